package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/telebroad/ftpd/conf"
	"github.com/telebroad/ftpd/ftp"
	"github.com/telebroad/ftpd/sftp"
	"github.com/telebroad/ftpd/users"
)

func main() {
	configPath := flag.String("config", "ftpd.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := conf.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	store, err := users.New(cfg.Accounts())
	if err != nil {
		return err
	}
	logger.Info("accounts loaded", "count", store.Len())

	ftpServer := ftp.NewServer(cfg.Server.Addr, store)
	ftpServer.SetLogger(logger.With("module", "ftp"))
	ftpServer.PasvMinPort = cfg.Server.PasvMinPort
	ftpServer.PasvMaxPort = cfg.Server.PasvMaxPort
	if cfg.Server.PublicIP != "" {
		ftpServer.PublicIP = net.ParseIP(cfg.Server.PublicIP)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(ftpServer.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		return ftpServer.Close()
	})

	if cfg.SFTP.Enable {
		sftpServer := sftp.NewServer(cfg.SFTP.Addr, store)
		sftpServer.SetLogger(logger.With("module", "sftp"))
		if cfg.SFTP.HostKey != "" {
			if err := sftpServer.SetPrivateKeyFile(cfg.SFTP.HostKey); err != nil {
				return err
			}
		}
		g.Go(sftpServer.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			return sftpServer.Close()
		})
	}

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}
