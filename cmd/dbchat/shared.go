package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dbchat/internal/config"
	"github.com/jkaninda/dbchat/internal/credentials"
	"github.com/jkaninda/dbchat/internal/dbconn"
	"github.com/jkaninda/dbchat/internal/history"
	"github.com/jkaninda/dbchat/internal/llm"
	"github.com/jkaninda/dbchat/internal/llm/openai"
	"github.com/jkaninda/dbchat/internal/observability"
	"github.com/jkaninda/dbchat/internal/querychain"
	"github.com/jkaninda/dbchat/internal/session"
)

// apiKeyWaitTimeout bounds how long startup waits for the sidecar to
// render the API key file.
const apiKeyWaitTimeout = 30 * time.Second

// SharedComponents holds the initialized subsystems that the serve and
// mcp commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability // nil = observability disabled.
	Store    *history.Store
	Conn     *dbconn.Provider
	LLM      llm.Provider
	Sessions *session.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between the serve
// and mcp commands. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Chat history store.
	store, err := history.Open(cfg.HistoryConfig(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("migrating history store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing history store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("history store initialized", slog.String("driver", store.Driver()))

	// LLM provider.
	llmProvider, err := newLLMProvider(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", llmProvider.Name()))

	if obs != nil && obs.Metrics != nil {
		llmProvider = observability.NewInstrumentedProvider(
			llmProvider, cfg.LLM.ModelName(), obs.Metrics, obs.TracerOrNil(),
		)
	}
	sc.LLM = llmProvider

	// Database connection provider. The file source covers sidecar mode;
	// in vault mode sessions bypass it and connect with their own lease.
	fileSource := credentials.NewFileSource(cfg.Credentials.DBCredsPath)
	sc.Conn = dbconn.NewProvider(dbconn.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxAttempts:  cfg.Database.MaxAttempts,
		RetryBackoff: cfg.Database.RetryBackoff(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, fileSource, logger)
	if obs != nil && obs.Metrics != nil {
		metrics := obs.Metrics
		sc.Conn.OnAttempt = func(ok bool) {
			status := "success"
			if !ok {
				status = "error"
			}
			metrics.DBConnectAttemptsTotal.WithLabelValues(status).Inc()
		}
	}

	// Session manager.
	opts := session.Options{
		Conn: sc.Conn,
		LLM:  sc.LLM,
		ChainConfig: querychain.Config{
			MaxRows:      cfg.Query.MaxRows,
			QueryTimeout: cfg.Query.QueryTimeout(),
			TopK:         cfg.Query.TopK,
			MaxTokens:    cfg.Query.MaxTokens,
			Temperature:  cfg.Query.Temperature,
		},
		Store:  store,
		Logger: logger,
	}

	if obs != nil && obs.Metrics != nil {
		metrics := obs.Metrics
		ts := obs.TracerOrNil()
		opts.Instrument = func(chain querychain.Chain) querychain.Chain {
			return observability.NewInstrumentedChain(chain, metrics, ts)
		}
		opts.OnOpen = func() { metrics.ActiveSessions.Inc() }
		opts.OnClose = func() { metrics.ActiveSessions.Dec() }
		opts.OnRotate = func(cred *credentials.Credential) {
			metrics.CredentialRotationsTotal.Inc()
			metrics.LeaseTTLSeconds.Set(cred.LeaseDuration.Seconds())
		}
	}

	if cfg.Credentials.SourceName() == "vault" {
		opts.NewRenewer = newRenewerFactory(cfg, obs, logger)
		logger.Info("vault credential source configured",
			slog.String("role", cfg.Credentials.Vault.Role),
		)
	} else {
		path := cfg.Credentials.DBCredsPath
		if path == "" {
			path = credentials.DefaultDBCredsPath
		}
		logger.Info("file credential source configured", slog.String("path", path))
	}

	sc.Sessions = session.NewManager(opts)

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("history", store.Ping)
	}

	return sc, nil
}

// newRenewerFactory returns the per-session renewer constructor for Vault
// mode. Each session gets its own Vault client so the session ID rides
// along as the correlation ID on every lease operation.
func newRenewerFactory(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) func(uuid.UUID) (*credentials.Renewer, error) {
	vc := cfg.Credentials.Vault
	return func(sessionID uuid.UUID) (*credentials.Renewer, error) {
		client, err := credentials.NewVaultClient(credentials.VaultConfig{
			Address:       vc.Address,
			Token:         vc.Token,
			TokenPath:     vc.TokenPath,
			Namespace:     vc.Namespace,
			Role:          vc.Role,
			Mount:         vc.Mount,
			CorrelationID: sessionID.String(),
			Timeout:       vc.APITimeout(),
			TLSSkipVerify: vc.TLSSkipVerify,
		})
		if err != nil {
			return nil, err
		}

		renewer := credentials.NewRenewer(client, vc.Mount, vc.Role, logger)
		if obs != nil && obs.Metrics != nil {
			metrics := obs.Metrics
			renewer.OnRenew = func(ttl time.Duration, ok bool) {
				status := "success"
				if !ok {
					status = "error"
				}
				metrics.CredentialRenewalsTotal.WithLabelValues(status).Inc()
				if ok {
					metrics.LeaseTTLSeconds.Set(ttl.Seconds())
				}
			}
		}
		return renewer, nil
	}
}

// newLLMProvider builds the configured language model client.
func newLLMProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch cfg.LLM.ProviderName() {
	case "openai":
		apiKey, err := resolveAPIKey(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		return openai.NewClient(apiKey, cfg.LLM.ModelName(), logger, opts...), nil

	case "ollama":
		return openai.NewClient("", cfg.LLM.ModelName(), logger,
			openai.WithBaseURL(cfg.LLM.BaseURL),
			openai.WithName("ollama"),
		), nil

	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
}

// resolveAPIKey returns the configured API key, falling back to the
// sidecar-rendered file. The sidecar writes the file asynchronously after
// process start, so the read polls with a bounded timeout instead of
// failing immediately.
func resolveAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, apiKeyWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		key, err := credentials.ReadAPIKey(cfg.Credentials.APIKeyPath)
		if err == nil {
			return key, nil
		}

		select {
		case <-waitCtx.Done():
			return "", fmt.Errorf("waiting for API key file: %w (set OPENAI_API_KEY or llm.api_key)", err)
		case <-ticker.C:
		}
	}
}
