package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lamplight-id/lamplight/internal/oauth2/service"
	"github.com/lamplight-id/lamplight/internal/oauth2/stepup"
	"github.com/lamplight-id/lamplight/internal/oauth2/store"
	"github.com/lamplight-id/lamplight/internal/oauth2/store/drivers/sqlite"
	"github.com/lamplight-id/lamplight/pkg/jwtx"
	"github.com/lamplight-id/lamplight/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the token core: storage, signing keys, the lifecycle
// services, and housekeeping. Transport layers sit on top of it.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db         store.Store
	keyManager *jwtx.KeyManager
	resources  *service.ResourceCache
	vault      *stepup.Vault

	tokenService        *service.TokenService
	requestBuilder      *service.RequestBuilder
	approvalEngine      *service.ApprovalEngine
	housekeepingService *service.HousekeepingService
}

// New creates an Application with all dependencies initialized. secrets
// provides per-subject TOTP secrets for step-up confirmation; pass nil to
// disable the confirmed-operation scope.
func New(cfg Config, secrets stepup.SecretSource) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "lamplight",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	keyManager, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{
		Algorithm: cfg.Algorithm,
		RSABits:   cfg.RSABits,
		NumKeys:   cfg.NumKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}
	app.keyManager = keyManager
	app.logger.Info("signing keys ready",
		"algorithm", keyManager.Algorithm(),
		"num_keys", keyManager.NumSigners())

	if secrets != nil {
		app.vault = stepup.NewVault(secrets, cfg.ConfirmationTTL)
	}

	app.initServices()

	return app, nil
}

func (app *Application) initDatabase() error {
	db, err := sqlite.NewStore(app.cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	app.db = db
	return nil
}

func (app *Application) initServices() {
	app.resources = service.NewResourceCache(app.db.Resources())

	codec := &service.Codec{
		Issuer: app.cfg.Issuer,
		Keys:   app.keyManager,
	}

	app.tokenService = service.NewTokenService(app.db, codec, app.resources, service.TokenServiceOptions{
		AccessTokenValidity:  app.cfg.AccessTokenValidity,
		RefreshTokenValidity: app.cfg.RefreshTokenValidity,
		RenewalWindow:        app.cfg.RenewalWindow,
		RetainExpiredTokens:  app.cfg.RetainExpiredTokens,
	})

	app.requestBuilder = &service.RequestBuilder{
		Clients:       app.db.Clients(),
		Audience:      app.resources,
		Confirmations: app.vault,
	}

	app.approvalEngine = &service.ApprovalEngine{
		Clients:          app.db.Clients(),
		Approvals:        app.db.Approvals(),
		Resources:        app.resources,
		TestRedirectURI:  app.cfg.TestRedirectURI,
		ApprovalValidity: app.cfg.ApprovalValidity,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db, app.vault, app.logger, app.cfg.HousekeepingInterval)
}

// Tokens exposes the token lifecycle service.
func (app *Application) Tokens() *service.TokenService { return app.tokenService }

// Requests exposes the request builder.
func (app *Application) Requests() *service.RequestBuilder { return app.requestBuilder }

// Approvals exposes the approval engine.
func (app *Application) Approvals() *service.ApprovalEngine { return app.approvalEngine }

// Store exposes the backing store.
func (app *Application) Store() store.Store { return app.db }

// JWKS returns the public verification keys for the active signers.
func (app *Application) JWKS() jwtx.JWKS { return app.keyManager.JWKS() }

// Run starts housekeeping and blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("lamplight token core started", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	return app.Shutdown()
}

// Shutdown stops housekeeping and closes the database.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down lamplight...")

	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("shutdown complete")
	return nil
}

// Ping verifies the database connection.
func (app *Application) Ping(ctx context.Context) error {
	return app.db.Ping(ctx)
}
