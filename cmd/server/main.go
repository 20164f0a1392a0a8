package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/gpubroker/internal/app"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type serverFlags struct {
	configPath  string
	listenAddr  string
	checkConfig bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "gpubroker: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (serverFlags, error) {
	var opts serverFlags
	fs := flag.NewFlagSet("gpubroker-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration directory or file")
	fs.StringVar(&opts.listenAddr, "listen", "", "Listen address, overrides server.port (e.g. 127.0.0.1:8000)")
	fs.BoolVar(&opts.checkConfig, "check-config", false, "Validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string) (err error) {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(opts.configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}
	if err := ensureSecretsPresent(cfg); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	if len(generated) > 0 {
		log.Warn("generated ephemeral secrets; issued tokens will not survive a restart", zap.Strings("keys", generated))
	}
	if len(cfg.Gateways) == 0 {
		return errors.New("at least one relay gateway must be configured")
	}
	log.Info("broker configuration loaded",
		zap.String("pool", cfg.Pool.Layout()),
		zap.Int("gateways", len(cfg.Gateways)),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis", cfg.Cache.Redis.Enabled),
	)

	if opts.checkConfig {
		fmt.Fprintln(os.Stdout, "configuration OK")
		return nil
	}

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, stack.Shutdown(drainCtx, log))
	}()

	return serve(ctx, &http.Server{
		Addr:              listenAddress(opts.listenAddr, cfg.Server.Port),
		Handler:           stack.Router,
		ReadHeaderTimeout: readHeaderTimeout,
	}, log)
}

// serve blocks until ctx is cancelled or the listener fails, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, log *zap.Logger) error {
	listenErr := make(chan error, 1)
	go func() {
		log.Info("broker listening", zap.String("addr", server.Addr))
		listenErr <- server.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown signal received; draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the hub closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-listenErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("http server stopped")
	return nil
}

func listenAddress(override string, port int) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

func loadApplicationConfig(path string) (*app.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return app.LoadConfig()
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config path %q does not exist", path)
	case err != nil:
		return nil, fmt.Errorf("stat config path: %w", err)
	case info.IsDir():
		return app.LoadConfig(path)
	default:
		return app.LoadConfig(filepath.Dir(path))
	}
}

func ensureSecretsPresent(cfg *app.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	var errs error
	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		errs = multierr.Append(errs, errors.New("auth.jwt.secret must be configured"))
	}

	cfg.Tunnels.SigningSecret = strings.TrimSpace(cfg.Tunnels.SigningSecret)
	if n := len(cfg.Tunnels.SigningSecret); n < 32 {
		errs = multierr.Append(errs, fmt.Errorf("tunnels.signing_secret must be at least 32 characters (current: %d)", n))
	}
	return errs
}
