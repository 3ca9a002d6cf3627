package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/fixctl/internal/acceptor"
	"github.com/danmuck/fixctl/internal/auth"
	"github.com/danmuck/fixctl/internal/dispatch"
	"github.com/danmuck/fixctl/internal/initiator"
	"github.com/danmuck/fixctl/internal/logging"
	"github.com/danmuck/fixctl/internal/session"
	"github.com/danmuck/fixctl/internal/store"
	"github.com/redis/go-redis/v9"
)

const dispatchDrainTimeout = 5 * time.Second

func serve(ctx context.Context, cfg appConfig) error {
	logger := logging.Component("fixctl")

	repo, closeRepo, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeRepo()

	events := dispatch.NewWithOptions(dispatch.NewLogging(logging.Component("app")), cfg.Dispatch)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), dispatchDrainTimeout)
		defer cancel()
		if err := events.Shutdown(drainCtx); err != nil {
			logger.Warn().Err(err).Msg("fixctl.serve dispatch drain incomplete")
		}
	}()

	logger.Info().
		Str("mode", cfg.Mode).
		Str("store", cfg.Store.Kind).
		Int("dispatch_max_pending", cfg.Dispatch.MaxPending).
		Str("version", version).
		Msg("fixctl.serve start")

	switch cfg.Mode {
	case modeInitiator:
		client, err := initiator.New(cfg.Initiator, initiator.Deps{
			Repository: repo,
			Events:     events,
		})
		if err != nil {
			return err
		}
		return client.Run(ctx)
	default:
		authn, err := buildAuthenticator(cfg.Auth)
		if err != nil {
			return err
		}
		srv, err := acceptor.New(cfg.Acceptor, acceptor.Deps{
			Repository:    repo,
			Authenticator: authn,
			Events:        events,
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}
}

// openStore builds the configured repository and a cleanup func that is
// always safe to call.
func openStore(ctx context.Context, cfg storeConfig) (store.Repository, func(), error) {
	switch cfg.Kind {
	case storeFile:
		f, err := store.OpenFile(cfg.Path)
		if err != nil {
			return nil, func() {}, err
		}
		return f, func() {}, nil
	case storeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, func() {}, fmt.Errorf("%w: redis %s: %v", store.ErrStoreUnavailable, cfg.RedisAddr, err)
		}
		repo := store.NewRedis(client, store.RedisOptions{
			Prefix:   cfg.RedisPrefix,
			ClaimTTL: cfg.RedisClaimTTL,
		})
		return repo, func() { _ = client.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

// buildAuthenticator chains the configured checks. With none configured
// every Logon is accepted.
func buildAuthenticator(cfg authConfig) (session.Authenticator, error) {
	var chain auth.Chain
	if len(cfg.CompIDs) > 0 {
		chain = append(chain, auth.NewCompIDAllowlist(cfg.CompIDs...))
	}
	if len(cfg.Passwords) > 0 {
		chain = append(chain, auth.StaticPassword(cfg.Passwords))
	}
	if len(cfg.Argon2) > 0 {
		for user, encoded := range cfg.Argon2 {
			if err := auth.CheckHash(encoded); err != nil {
				return nil, fmt.Errorf("auth_argon2[%s]: %w", user, err)
			}
		}
		chain = append(chain, auth.Argon2Credentials(cfg.Argon2))
	}
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.JWTToken{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
	}
	if len(chain) == 0 {
		return auth.AcceptAll{}, nil
	}
	return chain, nil
}
