package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/config"
	"github.com/movementbrand/mbdash/crypto"
	"github.com/movementbrand/mbdash/logging"
)

const (
	currentVersion = "0.1.0"
)

var buildstamp = "dev"

var (
	configFile string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mbdash",
	Short: "MovementBrand dashboard client",
	Long: `mbdash keeps your MovementBrand session and serves the client dashboard
to a local browser.`,
	Version:       fmt.Sprintf("%s (build: %s)", currentVersion, buildstamp),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == generateKeyCmd {
			return nil
		}

		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		logger, err = logging.New(logging.Options{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Development: cfg.Logging.Development,
			Verbose:     verbose,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether you are signed in",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var signInEmail string

var signInCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in with email and password",
	Long: `Signs in and stores the session for later runs. The password is read
from MBDASH_PASSWORD or, if unset, from the first line of standard input.`,
	Args: cobra.NoArgs,
	RunE: runSignIn,
}

var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and forget the stored session",
	Args:  cobra.NoArgs,
	RunE:  runSignOut,
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Print a random session passphrase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKeyBase64()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "# Session file passphrase for mbdash")
		fmt.Fprintln(out, "# Changing it later makes the stored session unreadable; you will need to sign in again.")
		fmt.Fprintf(out, "export MBDASH_SESSION_PASSPHRASE='%s'\n", key)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "mbdash.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	signInCmd.Flags().StringVarP(&signInEmail, "email", "e", "", "account email")
	signInCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(serveCmd, statusCmd, signInCmd, signOutCmd, generateKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Info("starting mbdash", zap.String("version", currentVersion), zap.String("build", buildstamp))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.ConnectDatabase(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := app.ConnectRedis(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.RunHub()

	if err := app.Initialize(ctx); err != nil {
		if !errors.Is(err, authsession.ErrListenerRegistration) {
			return err
		}
		logger.Error("live session updates unavailable", zap.Error(err))
	}
	if err := app.StartFeeds(); err != nil {
		return err
	}

	handlers := NewHandlers(app.identity, app.controller, app.dash, app.SignInLimiter(),
		publisherOrNil(app), cfg.Server.UseXForwardedFor, logger.Named("api"))
	srv := NewServer(app.hub, cfg, handlers, app.sessions, app.db, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Close tabs first so their handlers return.
	app.hub.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
		httpServer.Close()
	}
	logger.Info("server stopped")
	return nil
}

func publisherOrNil(app *App) authPublisher {
	if app.redis == nil {
		return nil
	}
	return app.redis
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Initialize(cmd.Context()); err != nil {
		logger.Debug("listener registration failed", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	if app.sessions.Verdict() != authsession.Authenticated {
		fmt.Fprintln(out, "Not signed in.")
		return nil
	}
	s, err := app.identity.GetSession(cmd.Context())
	if err != nil || s == nil {
		fmt.Fprintln(out, "Signed in.")
		return nil
	}
	fmt.Fprintf(out, "Signed in as %s (expires %s)\n", s.Email, s.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func readPassword(cmd *cobra.Command) (string, error) {
	if pw := os.Getenv("MBDASH_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runSignIn(cmd *cobra.Command, args []string) error {
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	s, err := app.identity.SignInWithPassword(cmd.Context(), strings.TrimSpace(signInEmail), password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", s.Email)
	return nil
}

func runSignOut(cmd *cobra.Command, args []string) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Initialize(cmd.Context()); err != nil {
		logger.Debug("listener registration failed", zap.Error(err))
	}
	if err := app.controller.SignOut(cmd.Context()); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out on this device; the server could not be reached.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}
