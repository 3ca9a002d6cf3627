package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fixctl/internal/acceptor"
	"github.com/danmuck/fixctl/internal/dispatch"
	"github.com/danmuck/fixctl/internal/initiator"
	"github.com/danmuck/fixctl/internal/session"
	"github.com/danmuck/fixctl/internal/store"
)

const (
	modeAcceptor  = "acceptor"
	modeInitiator = "initiator"

	storeMemory = "memory"
	storeFile   = "file"
	storeRedis  = "redis"
)

// appConfig is the resolved runtime setup for one fixctl process.
type appConfig struct {
	Mode      string
	Acceptor  acceptor.Config
	Initiator initiator.Config
	Store     storeConfig
	Auth      authConfig
	Dispatch  dispatch.Options
}

type storeConfig struct {
	Kind          string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisClaimTTL time.Duration
}

type authConfig struct {
	CompIDs     []string
	Passwords   map[string]string
	Argon2      map[string]string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// fixctl config.toml key mapping to runtime settings.
type fileConfig struct {
	Mode            string   `toml:"mode"`
	Addr            string   `toml:"addr"`
	AdminAddr       string   `toml:"admin_addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`

	BeginString       string  `toml:"begin_string"`
	SenderCompID      string  `toml:"sender_comp_id"`
	TargetCompID      string  `toml:"target_comp_id"`
	HeartbeatInterval int     `toml:"heartbeat_interval"`
	GraceFactor       float64 `toml:"test_request_grace_factor"`
	LogonTimeout      string  `toml:"logon_timeout"`
	LogoutTimeout     string  `toml:"logout_timeout"`
	ReadTimeout       string  `toml:"read_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	MaxQueuedMessages int     `toml:"max_queued_messages"`
	MaxBodyBytes      int     `toml:"max_body_bytes"`
	DispatchPending   int     `toml:"dispatch_max_pending"`
	ResetOnLogon      bool    `toml:"reset_on_logon"`
	Username          string  `toml:"username"`
	Password          string  `toml:"password"`

	DialTimeout string `toml:"dial_timeout"`
	Reconnect   bool   `toml:"reconnect"`
	MaxAttempts int    `toml:"max_attempts"`

	TLSEnabled    bool   `toml:"tls_enabled"`
	TLSMutual     bool   `toml:"tls_mutual"`
	TLSCertFile   string `toml:"tls_cert_file"`
	TLSKeyFile    string `toml:"tls_key_file"`
	TLSCAFile     string `toml:"tls_ca_file"`
	TLSServerName string `toml:"tls_server_name"`

	Store         string `toml:"store"`
	StorePath     string `toml:"store_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
	RedisClaimTTL string `toml:"redis_claim_ttl"`

	AuthCompIDs     []string          `toml:"auth_comp_ids"`
	AuthPasswords   map[string]string `toml:"auth_passwords"`
	AuthArgon2      map[string]string `toml:"auth_argon2"`
	AuthJWTSecret   string            `toml:"auth_jwt_secret"`
	AuthJWTIssuer   string            `toml:"auth_jwt_issuer"`
	AuthJWTAudience string            `toml:"auth_jwt_audience"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		Mode:      modeAcceptor,
		Acceptor:  acceptor.DefaultConfig(),
		Initiator: initiator.DefaultConfig(),
		Store: storeConfig{
			Kind:          storeMemory,
			Path:          "fixctl-sessions.toml",
			RedisAddr:     "127.0.0.1:6379",
			RedisPrefix:   store.DefaultRedisPrefix,
			RedisClaimTTL: store.DefaultRedisClaimTTL,
		},
		Dispatch: dispatch.Options{MaxPending: dispatch.DefaultMaxPending},
	}
}

// loadConfig reads a TOML file and overlays the keys it defines on the
// defaults. Session keys apply to both roles.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load fixctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load fixctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("mode") {
		cfg.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("addr") {
		addr := strings.TrimSpace(raw.Addr)
		cfg.Acceptor.ListenAddr = addr
		cfg.Initiator.Addr = addr
	}
	if meta.IsDefined("admin_addr") {
		cfg.Acceptor.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Acceptor.CORSOrigins = raw.CORSOrigins
	}
	if err := overlayDuration(meta, "shutdown_timeout", raw.ShutdownTimeout, &cfg.Acceptor.ShutdownTimeout); err != nil {
		return appConfig{}, err
	}
	if err := overlayDuration(meta, "dial_timeout", raw.DialTimeout, &cfg.Initiator.DialTimeout); err != nil {
		return appConfig{}, err
	}
	if meta.IsDefined("reconnect") {
		cfg.Initiator.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("max_attempts") {
		cfg.Initiator.MaxAttempts = raw.MaxAttempts
	}

	for _, sess := range []*session.Config{&cfg.Acceptor.Session, &cfg.Initiator.Session} {
		if err := overlaySession(meta, raw, sess); err != nil {
			return appConfig{}, err
		}
	}

	if meta.IsDefined("dispatch_max_pending") {
		cfg.Dispatch.MaxPending = raw.DispatchPending
	}

	if meta.IsDefined("store") {
		cfg.Store.Kind = strings.ToLower(strings.TrimSpace(raw.Store))
	}
	if meta.IsDefined("store_path") {
		cfg.Store.Path = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("redis_addr") {
		cfg.Store.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_password") {
		cfg.Store.RedisPassword = raw.RedisPassword
	}
	if meta.IsDefined("redis_db") {
		cfg.Store.RedisDB = raw.RedisDB
	}
	if meta.IsDefined("redis_prefix") {
		cfg.Store.RedisPrefix = strings.TrimSpace(raw.RedisPrefix)
	}
	if err := overlayDuration(meta, "redis_claim_ttl", raw.RedisClaimTTL, &cfg.Store.RedisClaimTTL); err != nil {
		return appConfig{}, err
	}

	if meta.IsDefined("auth_comp_ids") {
		cfg.Auth.CompIDs = trimAll(raw.AuthCompIDs)
	}
	if meta.IsDefined("auth_passwords") {
		cfg.Auth.Passwords = raw.AuthPasswords
	}
	if meta.IsDefined("auth_argon2") {
		cfg.Auth.Argon2 = raw.AuthArgon2
	}
	if meta.IsDefined("auth_jwt_secret") {
		cfg.Auth.JWTSecret = raw.AuthJWTSecret
	}
	if meta.IsDefined("auth_jwt_issuer") {
		cfg.Auth.JWTIssuer = strings.TrimSpace(raw.AuthJWTIssuer)
	}
	if meta.IsDefined("auth_jwt_audience") {
		cfg.Auth.JWTAudience = strings.TrimSpace(raw.AuthJWTAudience)
	}

	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func overlaySession(meta toml.MetaData, raw fileConfig, cfg *session.Config) error {
	if meta.IsDefined("begin_string") {
		cfg.BeginString = strings.TrimSpace(raw.BeginString)
	}
	if meta.IsDefined("sender_comp_id") {
		cfg.SenderCompID = strings.TrimSpace(raw.SenderCompID)
	}
	if meta.IsDefined("target_comp_id") {
		cfg.TargetCompID = strings.TrimSpace(raw.TargetCompID)
	}
	if meta.IsDefined("heartbeat_interval") {
		if raw.HeartbeatInterval < 0 {
			return fmt.Errorf("load fixctl config: heartbeat_interval must not be negative")
		}
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatInterval) * time.Second
	}
	if meta.IsDefined("test_request_grace_factor") {
		cfg.TestRequestGraceFactor = raw.GraceFactor
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"logon_timeout", raw.LogonTimeout, &cfg.LogonTimeout},
		{"logout_timeout", raw.LogoutTimeout, &cfg.LogoutTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if err := overlayDuration(meta, d.key, d.raw, d.dst); err != nil {
			return err
		}
	}
	if meta.IsDefined("max_queued_messages") {
		cfg.MaxQueuedMessages = raw.MaxQueuedMessages
	}
	if meta.IsDefined("max_body_bytes") {
		cfg.MaxBodyBytes = raw.MaxBodyBytes
	}
	if meta.IsDefined("reset_on_logon") {
		cfg.ResetOnLogon = raw.ResetOnLogon
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	return nil
}

func overlayDuration(meta toml.MetaData, key, raw string, dst *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("load fixctl config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c appConfig) validate() error {
	switch c.Mode {
	case modeAcceptor, modeInitiator:
	default:
		return fmt.Errorf("unknown mode %q (want acceptor|initiator)", c.Mode)
	}
	switch c.Store.Kind {
	case storeMemory:
	case storeFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store_path required for file store")
		}
	case storeRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("redis_addr required for redis store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory|file|redis)", c.Store.Kind)
	}
	if c.Dispatch.MaxPending <= 0 {
		return fmt.Errorf("dispatch_max_pending must be positive")
	}
	if c.Mode == modeInitiator && strings.TrimSpace(c.Initiator.Addr) == "" {
		return fmt.Errorf("addr required for initiator mode")
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
