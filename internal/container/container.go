package container

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/auroraai/profile-broker/internal/attribute"
	"github.com/auroraai/profile-broker/internal/cache"
	"github.com/auroraai/profile-broker/internal/config"
	"github.com/auroraai/profile-broker/internal/contact"
	"github.com/auroraai/profile-broker/internal/database"
	"github.com/auroraai/profile-broker/internal/jwks"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/pseudonym"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/auroraai/profile-broker/internal/transfer"
	"github.com/auroraai/profile-broker/internal/web/handler"
	"github.com/auroraai/profile-broker/internal/web/middleware"
)

// Container wires every component of the broker together and owns the
// resources that need closing on shutdown.
type Container struct {
	Config          config.Config
	Logger          *slog.Logger
	Database        *database.Database
	OAuthService    *oauth.Service
	Registry        *registry.Registry
	Broker          *attribute.Broker
	TransferService *transfer.Service
	Contact         *contact.Client
	Handler         http.Handler

	rateLimiter *middleware.InMemoryRateLimiter
	schemaCache *cache.RedisSchemaCache
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Container, error) {
	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.Database); err != nil {
		return nil, errors.Join(errors.New("connecting to database failed"), err)
	}

	pseudonymizer, err := pseudonym.New(cfg.OAuth.IDKey)
	if err != nil {
		db.Close()
		return nil, errors.Join(errors.New("loading pseudonym key failed"), err)
	}

	signer, err := jwks.NewSigner(cfg.OAuth.JWK)
	if err != nil {
		db.Close()
		return nil, errors.Join(errors.New("loading signing key failed"), err)
	}

	registryStore := registry.NewPostgresStore(&db)
	reg := registry.NewRegistry(registryStore)

	oauthStore := oauth.NewPostgresStore(&db)
	oauthService := oauth.NewService(oauthStore, signer, pseudonymizer, cfg.Issuer(), logger)

	attributeStore := attribute.NewPostgresStore(&db)

	var schemaCache attribute.SchemaCache = cache.NoopSchemaCache{}
	var redisCache *cache.RedisSchemaCache
	if cfg.Cache.Enabled {
		redisCache = cache.NewRedisSchemaCache(cfg.Cache, logger)
		schemaCache = redisCache
	}
	validator := attribute.NewSchemaValidator(cfg.Attributes.ManagementURL, cfg.Attributes.FetchTimeout, schemaCache, logger)

	contactClient := contact.NewClient(registryStore, signer, pseudonymizer, cfg.Issuer(), attributeStore, cfg.Attributes.FetchTimeout, logger)
	broker := attribute.NewBroker(attributeStore, contactClient, validator, logger)

	transferService := transfer.NewService(transfer.NewPostgresStore(&db), registryStore, logger)

	var rateLimiter *middleware.InMemoryRateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewInMemoryRateLimiter()
	}

	mux := http.NewServeMux()

	oauthHandler := handler.NewOAuthHandler(cfg, logger, oauthService, reg, signer, rateLimiter)
	oauthHandler.RegisterRoutes(mux)

	attributesHandler := handler.NewAttributesHandler(logger, oauthService, broker, reg)
	attributesHandler.RegisterRoutes(mux)

	sessionHandler := handler.NewSessionHandler(cfg, logger, transferService)
	sessionHandler.RegisterRoutes(mux)

	internalHandler := handler.NewInternalHandler(cfg, logger, reg, oauthService, broker, transferService, contactClient)
	internalHandler.RegisterRoutes(mux)

	healthHandler := handler.NewHealthHandler(logger, &db)
	healthHandler.RegisterRoutes(mux)

	root := middleware.Chain(
		middleware.Logging(logger),
		middleware.SecurityHeaders(),
	)(mux)

	return &Container{
		Config:          cfg,
		Logger:          logger,
		Database:        &db,
		OAuthService:    oauthService,
		Registry:        reg,
		Broker:          broker,
		TransferService: transferService,
		Contact:         contactClient,
		Handler:         root,
		rateLimiter:     rateLimiter,
		schemaCache:     redisCache,
	}, nil
}

func (c *Container) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Close()
	}
	if c.schemaCache != nil {
		if err := c.schemaCache.Close(); err != nil {
			c.Logger.Warn("closing schema cache failed", "error", err)
		}
	}
	c.Database.Close()
}
