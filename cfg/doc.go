package cfg

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Doc is the YAML document an admin edits through /config.
type Doc struct {
	Server   ServerSection   `yaml:"server" json:"server"`
	Auth     AuthSection     `yaml:"auth" json:"auth"`
	Content  ContentSection  `yaml:"content" json:"content"`
	Database DatabaseSection `yaml:"database" json:"database"`
}

type ServerSection struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Debug     bool   `yaml:"debug" json:"debug"`
	SecretKey string `yaml:"secret_key" json:"-"`
}

type AuthSection struct {
	Password string `yaml:"password" json:"password"`
}

type ContentSection struct {
	DefaultExpireHours int `yaml:"default_expire_hours" json:"default_expire_hours"`
	MaxContentSize     int `yaml:"max_content_size" json:"max_content_size"`
}

type DatabaseSection struct {
	Path string `yaml:"path" json:"path"`
}

func DefaultDoc() (*Doc, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate secret key")
	}
	return &Doc{
		Server: ServerSection{
			Host:      "0.0.0.0",
			Port:      5000,
			SecretKey: hex.EncodeToString(key),
		},
		Auth: AuthSection{Password: "admin"},
		Content: ContentSection{
			DefaultExpireHours: 24,
			MaxContentSize:     1024 * 1024,
		},
		Database: DatabaseSection{Path: "data/content.db"},
	}, nil
}

func (d *Doc) Addr() string {
	return net.JoinHostPort(d.Server.Host, strconv.Itoa(d.Server.Port))
}

func (d *Doc) Validate() error {
	if d.Server.Port <= 0 || d.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", d.Server.Port)
	}
	if strings.TrimSpace(d.Server.SecretKey) == "" {
		return errors.New("server.secret_key is required")
	}
	if d.Auth.Password == "" {
		return errors.New("auth.password is required")
	}
	if d.Content.MaxContentSize <= 0 {
		return errors.New("content.max_content_size must be positive")
	}
	if d.Content.DefaultExpireHours < 0 {
		return errors.New("content.default_expire_hours must not be negative")
	}
	if d.Database.Path == "" {
		return errors.New("database.path is required")
	}
	return nil
}

// Safe is the view served by GET /config. The secret key never leaves the
// process and hashed passwords are masked.
func (d *Doc) Safe() map[string]map[string]any {
	password := d.Auth.Password
	if strings.HasPrefix(password, "$argon2id$") {
		password = "***HASHED***"
	}
	return map[string]map[string]any{
		"server": {
			"host":  d.Server.Host,
			"port":  d.Server.Port,
			"debug": d.Server.Debug,
		},
		"auth": {
			"password": password,
		},
		"content": {
			"default_expire_hours": d.Content.DefaultExpireHours,
			"max_content_size":     d.Content.MaxContentSize,
		},
		"database": {
			"path": d.Database.Path,
		},
	}
}
