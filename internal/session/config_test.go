package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/testutil/testlog"
)

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	if cfg.Role != RoleAcceptor || cfg.BeginString != "FIX.4.4" {
		t.Fatalf("defaults got role=%s begin=%s", cfg.Role, cfg.BeginString)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.TestRequestGraceFactor != 1.0 {
		t.Fatalf("heartbeat defaults got=%v factor=%v", cfg.HeartbeatInterval, cfg.TestRequestGraceFactor)
	}
	if cfg.Now == nil || cfg.MaxQueuedMessages != 1024 {
		t.Fatalf("defaults incomplete: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown role", mutate: func(c *Config) { c.Role = "proxy" }},
		{name: "fractional heartbeat", mutate: func(c *Config) { c.HeartbeatInterval = 1500 * time.Millisecond }},
		{name: "negative timeout", mutate: func(c *Config) { c.LogoutTimeout = -time.Second }},
		{name: "initiator without comp ids", mutate: func(c *Config) { c.Role = RoleInitiator }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig().WithDefaults()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("validate err got=%v", err)
			}
		})
	}
}

func TestTickPeriodBounds(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if got := cfg.tickPeriod(30 * time.Second); got != time.Second {
		t.Fatalf("long interval period got=%v", got)
	}
	if got := cfg.tickPeriod(time.Second); got != 250*time.Millisecond {
		t.Fatalf("short interval period got=%v", got)
	}
	cfg.TickInterval = 7 * time.Millisecond
	if got := cfg.tickPeriod(time.Second); got != 7*time.Millisecond {
		t.Fatalf("override period got=%v", got)
	}
}

func TestBackoffDelayGrowsToCap(t *testing.T) {
	testlog.Start(t)
	b := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := map[int]time.Duration{
		0:  250 * time.Millisecond,
		1:  250 * time.Millisecond,
		2:  500 * time.Millisecond,
		3:  time.Second,
		6:  5 * time.Second,
		40: 5 * time.Second,
	}
	for attempt, d := range want {
		if got := b.Delay(attempt, nil); got != d {
			t.Fatalf("attempt%d got=%v want=%v", attempt, got, d)
		}
	}
	if got := (BackoffConfig{}).Delay(3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
	flat := BackoffConfig{InitialDelay: time.Second, Multiplier: 0.5}
	if got := flat.Delay(4, nil); got != time.Second {
		t.Fatalf("multiplier below one got=%v", got)
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	b := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := (BackoffConfig{InitialDelay: b.InitialDelay, Multiplier: b.Multiplier, MaxDelay: b.MaxDelay}).Delay(attempt, nil)
		got := b.Delay(attempt, rng)
		if got < ceiling/2 || got > ceiling {
			t.Fatalf("attempt%d got=%v ceiling=%v", attempt, got, ceiling)
		}
	}
	if got := b.Delay(2, nil); got != 200*time.Millisecond {
		t.Fatalf("nil rng should not jitter, got=%v", got)
	}
}

func TestTLSValidation(t *testing.T) {
	testlog.Start(t)
	if err := (TLSConfig{}).ValidateServer(); err != nil {
		t.Fatalf("disabled tls err=%v", err)
	}
	if err := (TLSConfig{Mutual: true}).ValidateServer(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("mutual without tls err=%v", err)
	}
	if err := (TLSConfig{Enabled: true, KeyFile: "k"}).ValidateServer(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("missing cert err=%v", err)
	}
	if err := (TLSConfig{Enabled: true, Mutual: true, CertFile: "c", KeyFile: "k"}).ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("mutual without ca err=%v", err)
	}
	if err := (TLSConfig{Enabled: true}).ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("client without ca err=%v", err)
	}
	if err := (TLSConfig{Enabled: true, InsecureSkipVerify: true}).ValidateClient(); err != nil {
		t.Fatalf("insecure client err=%v", err)
	}
	if err := (TLSConfig{Enabled: true, Mutual: true, InsecureSkipVerify: true}).ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("mutual insecure err=%v", err)
	}
	cfg, err := (TLSConfig{}).ServerTLS()
	if err != nil || cfg != nil {
		t.Fatalf("disabled server tls got=%v err=%v", cfg, err)
	}
}
