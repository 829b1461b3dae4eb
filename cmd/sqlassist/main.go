package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/xaenox/sql-assistant/internal/auth"
	"github.com/xaenox/sql-assistant/internal/gateway"
	"github.com/xaenox/sql-assistant/internal/lifecycle"
	"github.com/xaenox/sql-assistant/internal/logger"
	"github.com/xaenox/sql-assistant/pkg/config"
	"go.uber.org/zap"
)

// credentials is a token store the gateway can read from.
type credentials interface {
	auth.TokenStore
	Token() (string, error)
}

// app holds everything the subcommands share.
type app struct {
	configPath string

	cfg    *config.Config
	logger *zap.Logger
	tokens credentials
	client *gateway.Client
	closer func()
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "sqlassist",
		Short:         "Ask questions about your data in plain language",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Name() == "chat")
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to the config file")

	root.AddCommand(
		a.chatCommand(),
		a.askCommand(),
		a.botCommand(),
		a.serveCommand(),
		a.loginCommand(),
		a.logoutCommand(),
	)

	err := root.Execute()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger, the credential store and
// the backend client. fullScreen sends logs to a file so they do not draw
// over the terminal UI.
func (a *app) setup(fullScreen bool) error {
	// Load configuration
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	// Initialize logger
	logFile := cfg.Log.File
	if fullScreen && logFile == "" {
		logFile = filepath.Join(os.TempDir(), "sqlassist.log")
	}
	a.logger, err = logger.New(cfg.Log.Level, cfg.Log.Mode, logFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	// Initialize credential storage
	store, err := auth.NewSQLiteTokenStore(context.Background(), cfg.Auth.TokenDB)
	if err != nil {
		a.logger.Warn("Falling back to in-memory credentials",
			zap.Error(err),
			zap.String("path", cfg.Auth.TokenDB))
		a.tokens = auth.NewMemoryTokenStore()
	} else {
		a.tokens = store
		a.closer = func() { store.Close() }
	}

	a.client = gateway.New(cfg.Backend.BaseURL,
		gateway.WithTimeout(cfg.Backend.Timeout),
		gateway.WithTokenSource(a.tokens))
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		a.closer()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) authService() *auth.Service {
	return auth.NewService(a.client, a.tokens, a.logger)
}

// controllerOptions maps configuration onto the question lifecycle.
func (a *app) controllerOptions(userID int64) []lifecycle.Option {
	return []lifecycle.Option{
		lifecycle.WithPollInterval(a.cfg.Polling.Interval),
		lifecycle.WithMaxAttempts(a.cfg.Polling.MaxAttempts),
		lifecycle.WithUserID(userID),
		lifecycle.WithLogger(a.logger),
	}
}

// resolveUserID prefers the configured id and falls back to the logged in
// account. Running without credentials is allowed; the backend decides.
func (a *app) resolveUserID(ctx context.Context) int64 {
	if a.cfg.User.ID != 0 {
		return a.cfg.User.ID
	}
	user, err := a.authService().CheckAuth(ctx)
	if err != nil {
		a.logger.Debug("Continuing without a logged in user", zap.Error(err))
		return 0
	}
	id, err := strconv.ParseInt(user.ID, 10, 64)
	if err != nil {
		a.logger.Warn("User id is not numeric", zap.String("user_id", user.ID))
		return 0
	}
	return id
}
