package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fixctl/internal/logging"
	"github.com/spf13/pflag"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.0.0"
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "fixctl: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, resolves config, and serves the selected role until ctx
// is canceled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("fixctl", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to fixctl TOML config")
	mode := fs.String("mode", "", "session role: acceptor|initiator")
	addr := fs.String("addr", "", "listen address (acceptor) or dial address (initiator)")
	adminAddr := fs.String("admin-addr", "", "admin HTTP listen address, acceptor only")
	storeKind := fs.String("store", "", "session repository: memory|file|redis")
	initConfig := fs.String("init-config", "", "write a config template to this path and exit")
	force := fs.Bool("force", false, "overwrite an existing file with --init-config")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.SetOutput(stdout)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "fixctl %s\n", version)
		return nil
	}
	if *initConfig != "" {
		if err := writeTemplate(*initConfig, *force); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote config template to %s\n", *initConfig)
		return nil
	}

	cfg, err := resolveConfig(*configPath, fs, flagValues{
		mode:      *mode,
		addr:      *addr,
		adminAddr: *adminAddr,
		store:     *storeKind,
	})
	if err != nil {
		return err
	}

	logging.ConfigureRuntime()
	return serve(ctx, cfg)
}

type flagValues struct {
	mode      string
	addr      string
	adminAddr string
	store     string
}

// resolveConfig loads the file when given, then applies explicitly set
// flags on top.
func resolveConfig(path string, fs *pflag.FlagSet, flags flagValues) (appConfig, error) {
	cfg := defaultAppConfig()
	if path != "" {
		loaded, err := loadConfig(path)
		if err != nil {
			return appConfig{}, err
		}
		cfg = loaded
	}
	if fs.Changed("mode") {
		cfg.Mode = flags.mode
	}
	if fs.Changed("addr") {
		cfg.Acceptor.ListenAddr = flags.addr
		cfg.Initiator.Addr = flags.addr
	}
	if fs.Changed("admin-addr") {
		cfg.Acceptor.AdminAddr = flags.adminAddr
	}
	if fs.Changed("store") {
		cfg.Store.Kind = flags.store
	}
	cfg.Acceptor.Version = version
	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}
