// Package paygate assembles the pay-per-call gateway: chain reader,
// redemption store, payment verifier, gate, service dispatcher and HTTP
// server, all built once from an immutable configuration.
package paygate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/dispatcher"
	"github.com/vitwit/paygate/events"
	"github.com/vitwit/paygate/gateway"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/redemption"
	"github.com/vitwit/paygate/subscription"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/verification"
	"golang.org/x/sync/errgroup"
)

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// App is a fully wired gateway.
type App struct {
	cfg *config.Config

	logger     logger.Logger
	metrics    metrics.Recorder
	metricsH   http.Handler
	reader     clients.ChainReader
	store      redemption.Store
	publisher  events.Publisher
	subs       *subscription.Manager
	verifier   *verification.Verifier
	gate       *gateway.Gate
	dispatcher *dispatcher.Dispatcher
	server     *gateway.Server

	ownsReader bool
	ownsStore  bool
}

// New builds an App from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.setupObservability(); err != nil {
		return nil, err
	}
	if err := a.setupChain(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupStore(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupPayments(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.setupServer()

	a.logger.Info("paygate initialized", map[string]any{
		"mode":     a.cfg.Mode,
		"network":  a.cfg.Chain.Network,
		"store":    a.cfg.Store.Driver,
		"services": a.dispatcher.Services(),
	})
	return a, nil
}

func (a *App) setupObservability() error {
	if a.logger == nil {
		zl, err := logger.NewZapLogger(a.cfg.Log.Level, a.cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.logger = zl
	}
	if a.metrics == nil {
		if a.cfg.Metrics.Enabled {
			prom := metrics.NewPrometheusRecorder()
			a.metrics, a.metricsH = prom, prom.Handler()
		} else {
			a.metrics = metrics.NoopRecorder{}
		}
	} else if prom, ok := a.metrics.(*metrics.PrometheusRecorder); ok {
		a.metricsH = prom.Handler()
	}
	return nil
}

// setupChain dials the RPC node. Test mode runs without a chain when none
// is reachable.
func (a *App) setupChain(ctx context.Context) error {
	if a.reader != nil || a.cfg.Chain.RPCURL == "" {
		return nil
	}

	retry := a.cfg.Chain.Retry
	reader, err := clients.Dial(ctx, a.cfg.Chain.RPCURL, clients.ReaderConfig{
		Network:     a.cfg.Chain.Network,
		ChainID:     a.cfg.Chain.ChainID,
		CallTimeout: a.cfg.Chain.Timeout,
		RateLimit:   a.cfg.Chain.RateLimit,
		RateBurst:   a.cfg.Chain.RateBurst,
		Retry:       &retry,
		Logger:      logger.With(a.logger, map[string]any{"component": "chain"}),
		Metrics:     a.metrics,
	})
	if err != nil {
		if a.cfg.Mode == types.ModeTest {
			a.logger.Warn("chain unavailable, continuing in test mode", map[string]any{"error": err.Error()})
			return nil
		}
		return fmt.Errorf("failed to connect to %s: %w", a.cfg.Chain.Network, err)
	}
	a.reader, a.ownsReader = reader, true
	return nil
}

// setupStore opens the configured redemption store. Test mode never
// redeems, so it gets a memory store unless one was injected.
func (a *App) setupStore() error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Mode == types.ModeTest {
		a.store, a.ownsStore = redemption.NewMemoryStore(), true
		return nil
	}

	store, err := OpenStore(a.cfg.Store)
	if err != nil {
		return err
	}
	a.store, a.ownsStore = store, true
	return nil
}

// OpenStore opens the redemption store named by cfg.Driver.
func OpenStore(cfg config.StoreConfig) (redemption.Store, error) {
	switch cfg.Driver {
	case "memory":
		return redemption.NewMemoryStore(), nil
	case "leveldb":
		s, err := redemption.OpenLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := redemption.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, &types.X402Error{Code: types.ErrConfigError, Message: fmt.Sprintf("unknown store driver %q", cfg.Driver)}
	}
}

func (a *App) setupPayments(ctx context.Context) error {
	if a.publisher == nil {
		a.publisher = events.NoopPublisher{}
		if a.cfg.Events.NATSURL != "" {
			p, err := events.NewNATSPublisher(a.cfg.Events.NATSURL, a.cfg.Events.Subject, 5*time.Second,
				logger.With(a.logger, map[string]any{"component": "events"}))
			if err != nil {
				return err
			}
			a.publisher = p
		}
	}

	if a.reader != nil {
		v, err := verification.NewVerifier(a.reader, a.store, VerifierConfig(a.cfg),
			verification.WithLogger(logger.With(a.logger, map[string]any{"component": "verifier"})),
			verification.WithMetrics(a.metrics),
			verification.WithPublisher(a.publisher),
		)
		if err != nil {
			return err
		}
		a.verifier = v
	}

	subs, err := subscription.NewManager(a.cfg.Subscriptions.File,
		subscription.WithLogger(logger.With(a.logger, map[string]any{"component": "subscriptions"})))
	if err != nil {
		return err
	}
	a.subs = subs

	decimals := a.cfg.Chain.Decimals
	if decimals == 0 && a.reader != nil {
		d, err := a.reader.TokenDecimals(ctx, a.cfg.Contract())
		if err != nil {
			a.logger.Warn("token decimals unavailable, payment headers assume 6", map[string]any{
				"contract": a.cfg.Contract().Hex(),
				"error":    err.Error(),
			})
		} else {
			decimals = d
		}
	}

	var verifier gateway.Verifier
	if a.verifier != nil {
		verifier = a.verifier
	}
	gate, err := gateway.NewGate(gateway.GateConfig{
		Mode:          a.cfg.Mode,
		Pricing:       a.cfg.PricingFor(a.cfg.Mode),
		Recipient:     a.cfg.Recipient(),
		Contract:      a.cfg.Contract(),
		Network:       a.cfg.NetworkInfo(),
		Decimals:      decimals,
		VerifyTimeout: a.cfg.Server.VerifyTimeout,
		RetryAfter:    a.cfg.Server.RetryAfter,
		ScanEnabled:   a.cfg.Payment.Scan.Enabled,
		APIKeyHeader:  a.cfg.Subscriptions.Header,
	}, verifier, subs, logger.With(a.logger, map[string]any{"component": "gate"}), a.metrics)
	if err != nil {
		return err
	}
	a.gate = gate

	a.dispatcher = dispatcher.New(logger.With(a.logger, map[string]any{"component": "dispatcher"}), a.metrics)
	dispatcher.RegisterBuiltins(a.dispatcher)
	client := &http.Client{}
	for id, svc := range a.cfg.Services {
		a.dispatcher.Register(id, dispatcher.Upstream(client, svc.URL, svc.Timeout), nil)
	}
	return nil
}

// VerifierConfig derives the verifier settings from a validated config.
func VerifierConfig(cfg *config.Config) verification.Config {
	return verification.Config{
		Network:          cfg.Chain.Network,
		Contract:         cfg.Contract(),
		Decimals:         cfg.Chain.Decimals,
		Tolerance:        cfg.Tolerance(),
		Scope:            cfg.Payment.ReplayScope,
		MinConfirmations: cfg.Chain.MinConfirmations,
		MaxProofAge:      cfg.Payment.MaxProofAge,
		Scan: verification.ScanConfig{
			Enabled:         cfg.Payment.Scan.Enabled,
			MaxWindow:       cfg.Payment.Scan.MaxWindow,
			MaxBlocks:       cfg.Payment.Scan.MaxBlocks,
			BlocksPerSecond: cfg.NetworkInfo().BlocksPerSecond,
		},
	}
}

func (a *App) setupServer() {
	opts := []gateway.ServerOption{
		gateway.WithLogger(logger.With(a.logger, map[string]any{"component": "http"})),
	}
	if a.reader != nil {
		opts = append(opts, gateway.WithChainReader(a.reader))
	}
	if a.metricsH != nil {
		opts = append(opts, gateway.WithMetricsHandler(a.metricsH))
	}

	a.server = gateway.NewServer(gateway.ServerConfig{
		Listen:          a.cfg.Server.Listen,
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		WriteTimeout:    a.cfg.Server.WriteTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		Name:            "paygate",
		Version:         Version,
	}, a.gate, a.dispatcher, opts...)
}

// Run serves HTTP and prunes old redemptions until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(ctx)
	})
	if a.cfg.Mode == types.ModeLive && a.cfg.Store.Retention > 0 {
		g.Go(func() error {
			redemption.RunPruner(ctx, a.store, a.cfg.Store.Retention, a.cfg.Store.PruneInterval,
				logger.With(a.logger, map[string]any{"component": "pruner"}))
			return nil
		})
	}
	return g.Wait()
}

func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

func (a *App) Gate() *gateway.Gate {
	return a.gate
}

// Verifier is nil when no chain is connected.
func (a *App) Verifier() *verification.Verifier {
	return a.verifier
}

func (a *App) Subscriptions() *subscription.Manager {
	return a.subs
}

func (a *App) ChainReader() clients.ChainReader {
	return a.reader
}

// Close releases the chain connection, store and event publisher.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close publisher", map[string]any{"error": err.Error()})
		}
	}
	if a.store != nil && a.ownsStore {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", map[string]any{"error": err.Error()})
		}
	}
	if a.reader != nil && a.ownsReader {
		a.reader.Close()
	}
	if zl, ok := a.logger.(*logger.ZapLogger); ok {
		_ = zl.Sync()
	}
}

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_networks": []string{
			"base", "base-sepolia",
			"polygon", "polygon-amoy",
		},
		"currency": gateway.Currency,
	}
}
