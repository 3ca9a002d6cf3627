package acceptor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/fixctl/internal/session"
)

var (
	ErrRepositoryRequired = errors.New("acceptor: repository required")
	ErrUnknownSession     = errors.New("acceptor: no live session")
)

// Config defines the acceptor listener and admin surface.
type Config struct {
	ListenAddr      string
	AdminAddr       string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	Version         string
	Session         session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":9878",
		ShutdownTimeout: 10 * time.Second,
		Version:         "dev",
		Session:         session.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = def.Version
	}
	c.Session.Role = session.RoleAcceptor
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Session.TLS.ValidateServer(); err != nil {
		return fmt.Errorf("acceptor: %w", err)
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
