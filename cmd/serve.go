package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/config"
	"github.com/replyflow/replyflow/internal/gmail"
	"github.com/replyflow/replyflow/internal/google"
	"github.com/replyflow/replyflow/internal/httpapi"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/logging"
	"github.com/replyflow/replyflow/internal/reconcile"
	"github.com/replyflow/replyflow/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the replyflow API and reconciliation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	if err := instrConfig.Validate(); err != nil {
		return fmt.Errorf("invalid instrumentation config: %w", err)
	}
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down instrumentation", logging.Err(err))
		}
	}()
	metrics := provider.Metrics()
	audit := instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	authenticator := google.NewAuthenticator(
		cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL,
		db.Credentials, cfg.CredentialCacheTTL, logger)
	mailService := gmail.NewService(authenticator, cfg.PubSubTopic, logger, metrics)
	aiClient := assistant.NewClient(cfg.OpenAIAPIKey, logger, metrics)

	engine := reconcile.New(
		db.Users, db.Conversations, db.Watches,
		engineMailboxes{svc: mailService}, aiClient,
		reconcile.NewKeyedMutex(),
		reconcile.Config{
			DrainPollInterval: cfg.DrainPollInterval,
			DrainTimeout:      cfg.DrainTimeout,
			RunPollInterval:   cfg.RunPollInterval,
			RunTimeout:        cfg.RunTimeout,
		},
		logger, metrics, provider.Tracer("reconcile"),
	)

	if cfg.PubSubAllowUnauthenticated {
		logger.Warn("webhook authentication disabled, push requests are not verified")
	}

	gin.SetMode(gin.ReleaseMode)
	apiServer := httpapi.NewServer(httpapi.Config{
		ListenAddr:           cfg.ListenAddr,
		Topic:                cfg.PubSubTopic,
		PubSubServiceAccount: cfg.PubSubServiceAccount,
		PubSubAudience:       cfg.PubSubAudience,
		WatchRenewalWindow:   cfg.WatchRenewalWindow,
		RunPollInterval:      cfg.RunPollInterval,
		RunTimeout:           cfg.RunTimeout,
	}, httpapi.Deps{
		Users:         db.Users,
		Conversations: db.Conversations,
		Watches:       db.Watches,
		Auth:          authenticator,
		Assistant:     aiClient,
		Mail:          apiMailboxes{svc: mailService},
		Engine:        engine,
		Logger:        logger,
		Metrics:       metrics,
		Audit:         audit,
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- apiServer.Start()
	}()

	var metricsServer *httpapi.MetricsServer
	if provider.Enabled() {
		metricsServer, err = httpapi.NewMetricsServer(cfg.MetricsAddr, provider, logger)
		if err != nil {
			logger.Warn("metrics server disabled", logging.Err(err))
		} else {
			go func() {
				errCh <- metricsServer.Start()
			}()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", logging.Err(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down api server", logging.Err(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics server", logging.Err(err))
		}
	}
	return nil
}

// engineMailboxes adapts gmail.Service to the engine's provider interface.
type engineMailboxes struct {
	svc *gmail.Service
}

func (m engineMailboxes) MailboxFor(ctx context.Context, userID uuid.UUID) (reconcile.Mailbox, error) {
	client, err := m.svc.MailboxFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// apiMailboxes adapts gmail.Service to the HTTP API's provider interface.
type apiMailboxes struct {
	svc *gmail.Service
}

func (m apiMailboxes) MailboxFor(ctx context.Context, userID uuid.UUID) (httpapi.Mailbox, error) {
	client, err := m.svc.MailboxFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client, nil
}
