// Package conf loads the server configuration from a YAML file and applies
// defaults so the rest of the program can rely on fully populated values.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/telebroad/ftpd/users"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the FTP control-listener settings.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	PublicIP    string `yaml:"public_ip"`
	PasvMinPort int    `yaml:"pasv_min_port"`
	PasvMaxPort int    `yaml:"pasv_max_port"`
}

// SFTPConfig holds the SFTP listener settings.
type SFTPConfig struct {
	Enable  bool   `yaml:"enable"`
	Addr    string `yaml:"addr"`
	HostKey string `yaml:"host_key"`
}

// UserConfig is one account entry. Root is the directory the account is
// jailed to; AnyPassword accepts any PASS argument (anonymous-style access).
type UserConfig struct {
	Password    string `yaml:"password"`
	Root        string `yaml:"root"`
	AnyPassword bool   `yaml:"any_password"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config mirrors the ftpd.yaml schema.
type Config struct {
	Server ServerConfig          `yaml:"server"`
	SFTP   SFTPConfig            `yaml:"sftp"`
	Users  map[string]UserConfig `yaml:"users"`
	Log    LogConfig             `yaml:"log"`
}

// Load reads path, applies defaults and validates. Environment variables
// FTP_SERVER_ADDR, SFTP_SERVER_ADDR and LOG_LEVEL override the file.
func Load(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decoding config: %w", err)
	}
	applyEnv(&c)
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("FTP_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SFTP_SERVER_ADDR"); v != "" {
		c.SFTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":21"
	}
	if c.SFTP.Addr == "" {
		c.SFTP.Addr = ":22"
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
}

func validate(c *Config) error {
	if len(c.Users) == 0 {
		return errors.New("no users configured")
	}
	for name, u := range c.Users {
		if u.Root == "" {
			return fmt.Errorf("user %q: root directory is required", name)
		}
		if !filepath.IsAbs(u.Root) {
			return fmt.Errorf("user %q: root %q must be an absolute path", name, u.Root)
		}
		if u.Password == "" && !u.AnyPassword {
			return fmt.Errorf("user %q: password is required unless any_password is set", name)
		}
	}
	if lo, hi := c.Server.PasvMinPort, c.Server.PasvMaxPort; lo != 0 || hi != 0 {
		if lo <= 0 || hi < lo || hi > 65535 {
			return fmt.Errorf("invalid passive port range %d-%d", lo, hi)
		}
	}
	return nil
}

// Accounts converts the user entries into the immutable account list.
func (c Config) Accounts() []users.Account {
	accounts := make([]users.Account, 0, len(c.Users))
	for name, u := range c.Users {
		accounts = append(accounts, users.Account{
			Username:    name,
			Password:    u.Password,
			Root:        filepath.Clean(u.Root),
			AnyPassword: u.AnyPassword,
		})
	}
	return accounts
}
