package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voxdesk/extwatch/internal/agents"
	"github.com/voxdesk/extwatch/internal/cache"
	"github.com/voxdesk/extwatch/internal/config"
	"github.com/voxdesk/extwatch/internal/dashboard"
	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/realtime"
	"github.com/voxdesk/extwatch/internal/reconcile"
	"github.com/voxdesk/extwatch/internal/session"
)

// pruneInterval is how often expired cache entries are swept when a TTL is set.
const pruneInterval = time.Minute

// cacheNamespaces are the durable keys subject to TTL cleanup. Credentials
// live outside them.
var cacheNamespaces = []string{reconcile.StatusNamespace, agents.RecordNamespace, agents.IndexNamespace}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the presence reconciler and dashboard API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return serve(ctx, cfg, newLogger(cfg))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := cache.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := cache.NewSQLiteStore(db, cfg.SessionID, log)
	if cfg.CacheTTL > 0 {
		if _, err := store.Cleanup(cfg.CacheTTL, cacheNamespaces...); err != nil {
			log.Warn().Err(err).Msg("failed to clean up session store")
		}
	}

	creds := session.NewCredentials(store, session.DefaultCredentialKey)
	if cfg.APIToken != "" {
		if err := creds.Set(cfg.APIToken); err != nil {
			return fmt.Errorf("store credentials: %w", err)
		}
	}
	expirer := session.NewExpirer(creds, log)

	rt, closeRealtime := realtimeOptions(cfg, creds, log)
	defer closeRealtime()

	statuses := reconcile.NewStatusCache(store, cfg.CacheTTL, log)
	r, err := reconcile.New(reconcile.Options{
		Fetcher:      presence.NewFetcher(cfg.APIURL, cfg.FetchTimeout, creds, log),
		Cache:        statuses,
		Realtime:     rt,
		PollInterval: cfg.PollInterval,
		TieWindow:    cfg.TieWindow,
		Expirer:      expirer,
		Log:          log,
	})
	if err != nil {
		return err
	}
	defer r.Close()
	expirer.OnStop(r.Halt)

	svc := agents.NewService(agents.ServiceOptions{
		Client:   agents.NewClient(cfg.APIURL, cfg.FetchTimeout, creds),
		Store:    store,
		TTL:      cfg.CacheTTL,
		Statuses: r,
		Expirer:  expirer,
		Log:      log,
	})

	srv := dashboard.New(dashboard.Options{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Presence:       r,
		Agents:         svc,
		Log:            log,
	})
	expirer.OnRedirect(srv.Hub().BroadcastSessionExpired)

	log.Info().
		Str("version", dashboard.VersionInfo()).
		Str("api", cfg.APIURL).
		Bool("realtime", rt != nil).
		Dur("poll_interval", cfg.PollInterval).
		Msg("extwatch starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		// Warm the cache so REST reads have data before any surface mounts.
		if _, err := r.Refresh(ctx, nil); err != nil {
			log.Warn().Err(err).Msg("initial refresh failed")
		}
		return nil
	})
	if cfg.CacheTTL > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n := statuses.PruneExpired(); n > 0 {
						log.Debug().Int("count", n).Msg("pruned expired statuses")
					}
					if _, err := store.Cleanup(cfg.CacheTTL, cacheNamespaces...); err != nil {
						log.Warn().Err(err).Msg("failed to clean up session store")
					}
				}
			}
		})
	}

	err = g.Wait()
	log.Info().Msg("extwatch stopped")
	return err
}

// realtimeOptions builds the push channel configuration. Realtime is
// optional: when the transport cannot be set up every surface polls.
func realtimeOptions(cfg *config.Config, tokens presence.TokenSource, log zerolog.Logger) (*realtime.Options, func()) {
	noop := func() {}
	if !cfg.RealtimeEnabled() {
		return nil, noop
	}

	opts := &realtime.Options{
		Contexts:   cfg.RealtimeContexts,
		StaleAfter: cfg.StaleAfter,
		Log:        log,
	}

	switch cfg.PushTransport {
	case config.TransportNATS:
		nc, err := realtime.ConnectNATS(cfg.NATSURL, tokens, log)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("NATS unavailable, realtime disabled")
			return nil, noop
		}
		opts.Transport = realtime.NewNATSTransport(nc, cfg.NATSSubject, log)
		return opts, nc.Close
	default:
		opts.Transport = realtime.NewWebSocketTransport(cfg.PushURL, tokens, log)
		return opts, noop
	}
}
