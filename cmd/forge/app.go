package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/config"
	"github.com/Mindburn-Labs/forge/pkg/coordinator"
	"github.com/Mindburn-Labs/forge/pkg/evidence"
	"github.com/Mindburn-Labs/forge/pkg/identity"
	"github.com/Mindburn-Labs/forge/pkg/invariants"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
	"github.com/Mindburn-Labs/forge/pkg/ledger/redislock"
	"github.com/Mindburn-Labs/forge/pkg/ledger/sqlstore"
	"github.com/Mindburn-Labs/forge/pkg/observability"
)

// app is the process wiring shared by commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Provider
	catalog *agents.Catalog
	profile *config.Profile
	ledger  *ledger.Ledger

	closers []func(context.Context) error
}

// newApp loads configuration, logging, telemetry and the catalog.
func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	level, _ := cfg.SlogLevel()
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(stderr, hopts)
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(stderr, hopts)
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)

	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = cfg.TelemetryEnabled()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	a.closers = append(a.closers, a.obs.Shutdown)

	if cfg.CatalogPath != "" {
		a.catalog, err = agents.LoadCatalogFile(cfg.CatalogPath)
	} else {
		a.catalog, err = agents.DefaultCatalog()
	}
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	if cfg.Profile != "" {
		if a.profile, err = config.LoadProfile(cfg.ProfilesDir, cfg.Profile); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

// openLedger connects the configured store and lock table.
func (a *app) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	var store ledger.Store
	switch a.cfg.Store {
	case config.StoreMemory:
		store = ledger.NewMemoryStore()
	default:
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(a.cfg.Store), a.cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		store = s
	}

	opts := []ledger.Option{
		ledger.WithLockTimeout(a.cfg.LockTimeout),
		ledger.WithLogger(a.logger.With("component", "ledger")),
		ledger.WithTelemetry(a.obs),
	}
	if a.cfg.RedisAddr != "" {
		locks := redislock.Dial(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		a.closers = append(a.closers, func(context.Context) error { return locks.Close() })
		if err := locks.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis lock table %s: %w", a.cfg.RedisAddr, err)
		}
		opts = append(opts, ledger.WithLockTable(locks))
	}
	a.ledger = ledger.New(store, opts...)
	return a.ledger, nil
}

// authority builds the identity authority with the profile's policies.
func (a *app) authority(l *ledger.Ledger) (*identity.Authority, error) {
	opts := []identity.AuthorityOption{
		identity.WithLogger(a.logger.With("component", "identity")),
		identity.WithTelemetry(a.obs),
	}
	if p := a.profile; p != nil {
		if p.Versions.Global != "" || len(p.Versions.Agents) > 0 {
			vp, err := identity.NewSemverPolicy(p.Versions.Global, p.Versions.Agents)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", p.Name, err)
			}
			opts = append(opts, identity.WithVersionPolicy(vp))
		}
		if p.RoleExpression != "" {
			rp, err := identity.NewCELRolePolicy(p.RoleExpression)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", p.Name, err)
			}
			opts = append(opts, identity.WithRolePolicy(rp))
		}
	}
	return identity.NewAuthority(a.catalog, l, opts...), nil
}

// engine builds the invariant engine: the built-ins plus profile invariants.
// Wasm runtimes are released by Close.
func (a *app) engine(ctx context.Context) (*invariants.Engine, error) {
	e := invariants.NewEngine(
		invariants.WithLogger(a.logger.With("component", "invariants")),
		invariants.WithTelemetry(a.obs),
	)
	all := []invariants.Invariant{invariants.Structural(a.catalog), invariants.FingerprintDrift(a.catalog)}
	if p := a.profile; p != nil {
		for _, ip := range p.Invariants {
			inv, err := invariants.Expression(ip.Name, ip.Expression, a.catalog)
			if err != nil {
				return nil, fmt.Errorf("profile %s: invariant %s: %w", p.Name, ip.Name, err)
			}
			all = append(all, inv)
		}
		for _, wp := range p.WasmInvariants {
			module, err := os.ReadFile(wp.Path) //nolint:gosec // path from the operator's profile
			if err != nil {
				return nil, fmt.Errorf("profile %s: wasm invariant %s: %w", p.Name, wp.Name, err)
			}
			var opts []invariants.WasmOption
			if wp.MemoryPages > 0 {
				opts = append(opts, invariants.WithMemoryPages(wp.MemoryPages))
			}
			w, err := invariants.NewWasm(ctx, wp.Name, module, opts...)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", p.Name, err)
			}
			a.closers = append(a.closers, func(context.Context) error { return w.Close() })
			all = append(all, w)
		}
	}
	for _, inv := range all {
		if err := e.Register(inv); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// coordinator builds the coordinator with the profile's tier overrides.
func (a *app) coordinator() *coordinator.Coordinator {
	opts := []coordinator.Option{coordinator.WithLogger(a.logger.With("component", "coordinator"))}
	if p := a.profile; p != nil {
		for tier, tp := range p.Tiers {
			opts = append(opts, coordinator.WithTierPolicy(agents.Tier(tier), coordinator.TierPolicy{
				CriticalTypes: tp.CriticalTypes,
				MinConfidence: tp.MinConfidence,
				MaxDecisions:  tp.MaxDecisions,
				MaxChars:      tp.MaxChars,
			}))
		}
		if p.TokenBudget > 0 {
			opts = append(opts, coordinator.WithTokenBudget(p.TokenBudget))
		}
	}
	return coordinator.New(opts...)
}

// attestor returns nil when no attestation secret is configured.
func (a *app) attestor() (*identity.Attestor, error) {
	if a.cfg.AttestationSecret == "" {
		return nil, nil
	}
	return identity.NewAttestor([]byte(a.cfg.AttestationSecret))
}

// sinkConfig maps the evidence settings to a sink configuration.
func (a *app) sinkConfig() evidence.SinkConfig {
	ev := a.cfg.Evidence
	return evidence.SinkConfig{
		Type: evidence.SinkType(ev.Sink),
		Dir:  ev.Dir,
		S3: evidence.S3SinkConfig{
			Bucket:   ev.S3Bucket,
			Region:   ev.S3Region,
			Endpoint: ev.S3Endpoint,
			Prefix:   ev.S3Prefix,
		},
		GCS: evidence.GCSSinkConfig{Bucket: ev.GCSBucket, Prefix: ev.GCSPrefix},
	}
}

// Close releases everything the app opened, latest first.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.WarnContext(ctx, "shutdown incomplete", "error", err)
	}
	a.closers = nil
}
