// Command outreach runs the outreach scheduling service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/outreach-engine/internal/app"
	"github.com/bissquit/outreach-engine/internal/config"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/pkg/token"
	"github.com/bissquit/outreach-engine/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("outreach stopped", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("outreach", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("OUTREACH_CONFIG"), "path to the YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version.Get())
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	slog.Info("outreach starting", "version", version.Version, "commit", version.GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, application, cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	slog.Info("outreach stopped gracefully")
	return nil
}

type service interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serve runs svc until it fails or ctx is done. Shutdown runs on both paths
// so the worker, servers and stores are always stopped.
func serve(ctx context.Context, svc service, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			slog.Error("service failed, shutting down", "error", runErr)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}

// issueToken prints a signed operator token. The secret is read from the
// same configuration sources as the service.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("outreach token", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("OUTREACH_CONFIG"), "path to the YAML config file")
	subject := fs.String("subject", "", "token subject, e.g. the operator's email")
	role := fs.String("role", string(domain.RoleOperator), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("token: -subject is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	manager, err := token.NewManager(cfg.Auth.Secret)
	if err != nil {
		return err
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	signed, err := manager.Issue(*subject, domain.Role(*role), lifetime)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(signed)
	return nil
}
