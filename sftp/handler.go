package sftp

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/pkg/sftp"

	"github.com/telebroad/ftpd/vfs"
)

// handlers serves sftp requests out of one user's jail. Request paths are
// resolved lexically before any filesystem call, same contract as the FTP
// side.
type handlers struct {
	jail   *vfs.Jail
	logger *slog.Logger
}

func newHandlers(jail *vfs.Jail, logger *slog.Logger) sftp.Handlers {
	h := &handlers{jail: jail, logger: logger}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// resolve maps a request path into the jail. SFTP paths arrive absolute, so
// they resolve against the virtual root.
func (h *handlers) resolve(requestPath string) (string, error) {
	virtual, err := vfs.Resolve("/", requestPath)
	if err != nil {
		h.logger.Warn("path escape rejected", "path", requestPath)
		return "", fs.ErrPermission
	}
	return virtual, nil
}

func (h *handlers) Fileread(request *sftp.Request) (io.ReaderAt, error) {
	virtual, err := h.resolve(request.Filepath)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("sftp read", "path", virtual)
	return h.jail.Open(virtual)
}

func (h *handlers) Filewrite(request *sftp.Request) (io.WriterAt, error) {
	virtual, err := h.resolve(request.Filepath)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("sftp write", "path", virtual)
	return h.jail.OpenFile(virtual, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (h *handlers) Filecmd(request *sftp.Request) error {
	virtual, err := h.resolve(request.Filepath)
	if err != nil {
		return err
	}
	h.logger.Debug("sftp cmd", "method", request.Method, "path", virtual)

	switch request.Method {
	case "Mkdir":
		return h.jail.Mkdir(virtual, 0o755)
	case "Remove":
		return h.jail.Remove(virtual)
	case "Rmdir":
		if err := h.jail.CheckDir(virtual); err != nil {
			return err
		}
		return h.jail.Remove(virtual)
	case "Rename":
		target, err := h.resolve(request.Target)
		if err != nil {
			return err
		}
		// Renaming onto an existing file is refused, matching SFTP rather
		// than POSIX rename semantics.
		if _, err := h.jail.Stat(target); err == nil {
			return fs.ErrExist
		}
		return h.jail.Rename(virtual, target)
	case "Setstat":
		// Attribute changes are accepted and ignored; the jail does not track
		// ownership or modes per client.
		return nil
	}
	return errors.New("unsupported")
}

// listerAt serves directory pages from a snapshot, modeled after
// strings.Reader's ReadAt.
type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

func (h *handlers) Filelist(request *sftp.Request) (sftp.ListerAt, error) {
	virtual, err := h.resolve(request.Filepath)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("sftp list", "method", request.Method, "path", virtual)

	switch request.Method {
	case "List":
		entries, err := h.jail.ReadDir(virtual)
		if err != nil {
			return nil, err
		}
		return listerAt(entries), nil
	case "Stat", "Lstat":
		fi, err := h.jail.Stat(virtual)
		if err != nil {
			return nil, err
		}
		return listerAt{fi}, nil
	}
	return nil, errors.New("unsupported")
}
