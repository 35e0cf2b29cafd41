// Package main is the entry point for the SendGrid relay: an SMTP listener
// that forwards mail through SendGrid, plus the admin and statistics API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/sendgrid-relay/internal/admin"
	"github.com/shineum/sendgrid-relay/internal/api"
	"github.com/shineum/sendgrid-relay/internal/config"
	"github.com/shineum/sendgrid-relay/internal/logger"
	"github.com/shineum/sendgrid-relay/internal/provider"
	"github.com/shineum/sendgrid-relay/internal/provider/ses"
	"github.com/shineum/sendgrid-relay/internal/provider/smtprelay"
	"github.com/shineum/sendgrid-relay/internal/provider/stdout"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
	"github.com/shineum/sendgrid-relay/internal/smtp"
	"github.com/shineum/sendgrid-relay/internal/tlsutil"
	"github.com/shineum/sendgrid-relay/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, closeLog := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		SentryDSN:   cfg.Logging.SentryDSN,
		Environment: cfg.Logging.SentryEnvironment,
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err = run(ctx, cfg, log)
	stop()
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

// run wires the components and blocks until ctx is cancelled or a server
// fails.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := settings.Open(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open settings database", "path", cfg.Database.Path, "error", err)
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := settings.Migrate(ctx, db, log); err != nil {
		log.Error("failed to migrate settings database", "error", err)
		return err
	}
	store := settings.NewGormStore(db)
	tokens := settings.NewTokenStore(db)

	sg := sendgrid.NewClient(
		sendgrid.WithBaseURL(cfg.SendGrid.APIURL),
		sendgrid.WithHTTPClient(&http.Client{Timeout: cfg.SendGrid.Timeout}),
		sendgrid.WithScopeTTL(cfg.SendGrid.ScopeTTL),
	)

	clientTLS, err := tlsutil.ClientConfig(cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
	if err != nil {
		log.Error("failed to setup outbound TLS", "error", err)
		return err
	}

	vendor, err := selectVendor(ctx, cfg, clientTLS, log)
	if err != nil {
		log.Error("failed to create vendor provider", "vendor", cfg.Vendor.Provider, "error", err)
		return err
	}

	mailer := transport.New(transport.Config{
		Enabled: cfg.SendGrid.Enabled,
		Store:   store,
		API:     sg,
		Relay:   transport.SendGridRelay(clientTLS),
		Vendor:  vendor,
		Logger:  log.With("component", "transport"),
	})

	adminSvc := admin.New(store, sg, mailer, log)

	serverTLS, tlsMode, err := tlsutil.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		log.Error("failed to setup TLS", "error", err)
		return err
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       mailer,
		TLSConfig:      serverTLS,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
		Logger:         log,
	})

	apiServer := api.New(api.Config{
		Admin:      adminSvc,
		Tokens:     tokens,
		AdminToken: cfg.HTTP.AdminToken,
		Timeout:    cfg.HTTP.Timeout,
		Logger:     log,
	})

	if !cfg.AdminEnabled() {
		log.Warn("ADMIN_TOKEN is empty, admin API is disabled")
	}

	log.Info("starting sendgrid-relay",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"sendgrid_enabled", cfg.SendGrid.Enabled,
		"vendor", vendor.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", string(tlsMode),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return apiServer.ListenAndServe(gctx, cfg.HTTP.Listen)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "error", err)
		return err
	}

	log.Info("sendgrid-relay stopped")
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// selectVendor builds the fallback provider used when the SendGrid
// integration is disabled or has no API key.
func selectVendor(ctx context.Context, cfg *config.Config, clientTLS *tls.Config, log *slog.Logger) (provider.Provider, error) {
	switch cfg.Vendor.Provider {
	case config.VendorSMTP:
		log.Info("using SMTP vendor relay",
			"host", cfg.Vendor.SMTP.Host,
			"port", cfg.Vendor.SMTP.Port,
		)
		return smtprelay.New(smtprelay.Config{
			Host:      cfg.Vendor.SMTP.Host,
			Port:      cfg.Vendor.SMTP.Port,
			Username:  cfg.Vendor.SMTP.Username,
			Password:  cfg.Vendor.SMTP.Password,
			Security:  smtprelay.Security(cfg.Vendor.SMTP.Security),
			HeloName:  cfg.SMTP.Hostname,
			TLSConfig: clientTLS,
		}), nil

	case config.VendorSES:
		log.Info("using AWS SES vendor",
			"region", cfg.Vendor.SES.Region,
			"sender", cfg.Vendor.SES.Sender,
		)
		return ses.New(ctx, ses.Config{
			Region:          cfg.Vendor.SES.Region,
			AccessKeyID:     cfg.Vendor.SES.AccessKeyID,
			SecretAccessKey: cfg.Vendor.SES.SecretAccessKey,
			Sender:          cfg.Vendor.SES.Sender,
			MaxRetries:      cfg.Vendor.SES.MaxRetries,
		})

	case config.VendorStdout:
		log.Info("using stdout vendor")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown vendor provider %q", cfg.Vendor.Provider)
	}
}
