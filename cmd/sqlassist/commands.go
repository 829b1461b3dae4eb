package main

import (
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
	"github.com/xaenox/sql-assistant/internal/bot"
	"github.com/xaenox/sql-assistant/internal/devserver"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/lifecycle"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/sqlgen"
	"github.com/xaenox/sql-assistant/internal/storage"
	"github.com/xaenox/sql-assistant/internal/table"
	"github.com/xaenox/sql-assistant/internal/threads"
	"github.com/xaenox/sql-assistant/internal/tui"
	"github.com/xaenox/sql-assistant/internal/view"
	"go.uber.org/zap"
)

func (a *app) chatCommand() *cobra.Command {
	var exportDir string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := a.resolveUserID(cmd.Context())

			store := threads.NewStore()
			ctrl := lifecycle.New(a.client, store, a.controllerOptions(userID)...)
			binding := view.NewBinding(store, ctrl, a.logger)
			defer binding.Close()

			a.logger.Info("Starting chat", zap.String("backend", a.cfg.Backend.BaseURL), zap.Int64("user_id", userID))
			return tui.Run(binding, tui.Options{ExportDir: exportDir, Timeout: a.cfg.Backend.Timeout})
		},
	}
	cmd.Flags().StringVar(&exportDir, "export-dir", ".", "directory CSV exports are written to")
	return cmd
}

func (a *app) askCommand() *cobra.Command {
	var maxRows int
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store := threads.NewStore()
			ctrl := lifecycle.New(a.client, store, a.controllerOptions(a.resolveUserID(ctx))...)
			defer ctrl.Close()

			msg, err := ask(ctx, ctrl, store, strings.Join(args, " "))
			if err != nil {
				return errors.New(internal_errors.UserMessage(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatAnswer(msg, maxRows))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxRows, "max-rows", 50, "rows printed before the table is cut")
	return cmd
}

// ask submits question on a fresh thread and waits for the session to end.
func ask(ctx context.Context, ctrl *lifecycle.Controller, store *threads.Store, question string) (models.Message, error) {
	th := store.CreateThread()

	done := make(chan error, 1)
	var failure error
	unsubscribe := ctrl.Subscribe(func(t lifecycle.Transition) {
		if t.ThreadID != th.ID {
			return
		}
		switch t.To {
		case lifecycle.PhaseFailed:
			failure = t.Err
		case lifecycle.PhaseCancelled:
			failure = internal_errors.ErrCancelled
		case lifecycle.PhaseIdle:
			select {
			case done <- failure:
			default:
			}
		}
	})
	defer unsubscribe()

	msg, err := ctrl.Submit(ctx, th.ID, question)
	if err != nil {
		return models.Message{}, err
	}

	select {
	case <-ctx.Done():
		ctrl.Cancel(th.ID)
		return models.Message{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return models.Message{}, err
		}
	}

	got, _ := store.Thread(th.ID)
	for _, m := range got.Messages {
		if m.ID == msg.ID {
			return m, nil
		}
	}
	return models.Message{}, &internal_errors.NotFoundError{Kind: "message", ID: string(msg.ID)}
}

func formatAnswer(msg models.Message, maxRows int) string {
	r := msg.Result
	if r == nil {
		return "No answer."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", r.SQL)
	switch {
	case r.Result.Error != nil:
		fmt.Fprintf(&sb, "Query failed: %s", *r.Result.Error)
	case len(r.Result.Results) == 0:
		sb.WriteString("No rows.")
	default:
		sb.WriteString(table.Render(r.Result.Columns, r.Result.Results, maxRows))
	}
	for _, s := range r.Suggestions {
		sb.WriteString("\n  → " + s)
	}
	return sb.String()
}

func (a *app) botCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Serve the assistant as a Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Telegram.Token == "" {
				return errors.New("telegram.token is required (or set TELEGRAM_TOKEN)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Every chat polls as its own Telegram user.
			opts := []lifecycle.Option{
				lifecycle.WithPollInterval(a.cfg.Polling.Interval),
				lifecycle.WithMaxAttempts(a.cfg.Polling.MaxAttempts),
			}
			b, err := bot.New(a.cfg.Telegram.Token, a.client, a.logger, opts...)
			if err != nil {
				return err
			}
			a.logger.Info("Bot started")
			return b.Start(ctx)
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the development backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := devserver.Options{
				JWTSecret:      a.cfg.Server.JWTSecret,
				JWTTTL:         a.cfg.Server.JWTTTL,
				AllowedOrigins: a.cfg.Server.AllowedOrigins,
				TaskDelay:      a.cfg.Server.TaskDelay,
				ResultTTL:      a.cfg.Server.ResultTTL,
				Logger:         a.logger,
			}

			// Initialize SQL generator
			if a.cfg.OpenAI.APIKey != "" {
				a.logger.Info("Using OpenAI SQL generator", zap.String("model", a.cfg.OpenAI.Model))
				opts.Generator = sqlgen.NewGPTGenerator(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.Model,
					a.cfg.OpenAI.MaxTokens, a.cfg.OpenAI.Temperature, a.logger)
			} else {
				a.logger.Info("Using keyword SQL generator")
				opts.Generator = sqlgen.NewKeywordGenerator()
			}

			// Initialize storage
			if a.cfg.Database.UseInMemory {
				a.logger.Info("Using in-memory storage")
				opts.History = storage.NewMemoryStorage()
				opts.Executor = devserver.NewStaticExecutor(devserver.SampleDatasets())
			} else {
				a.logger.Info("Using PostgreSQL storage")
				pg, err := storage.NewPostgresStorage(a.cfg.Database.DSN())
				if err != nil {
					return fmt.Errorf("failed to initialize storage: %w", err)
				}
				defer pg.Close()
				opts.History = pg
				opts.Executor = devserver.NewPostgresExecutor(pg.DB())
			}

			srv := devserver.New(opts)
			httpServer := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Listening", zap.String("addr", httpServer.Addr))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				srv.Shutdown()
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := httpServer.Shutdown(shutdownCtx)
			srv.Shutdown()
			a.logger.Info("Server stopped")
			return err
		},
	}
}

func (a *app) loginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := a.authService().Login(cmd.Context(), email, password)
			if err != nil {
				return errors.New(internal_errors.UserMessage(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s <%s>\n", user.Name, user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.authService().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}
