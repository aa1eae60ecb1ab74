package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/eventbus"
	"github.com/crewbase/timetrack/internal/ledger"
	"github.com/crewbase/timetrack/internal/registry"
	"github.com/crewbase/timetrack/internal/roster"
	"github.com/crewbase/timetrack/internal/stats"
	"github.com/crewbase/timetrack/web/api"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking engine server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogging(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := ledger.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	ros, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("loading roster: %w", err)
		}
		log.Warn().Str("path", cfg.Roster.Path).Msg("roster file missing, starting empty")
		ros, _ = roster.Parse([]byte("users: []"))
	}
	seedUsers(store, ros, log)

	// Broadcast scoping prefers the roster; users only known from the
	// ledger (seeded by earlier roster versions) still resolve.
	roles := func(userID string) (domain.Role, bool) {
		if role, ok := ros.Role(userID); ok {
			return role, true
		}
		user, err := store.GetUser(userID)
		if err != nil || user == nil {
			return "", false
		}
		return user.Role, true
	}

	hub := eventbus.NewHub(roles, store, log.With().Str("component", "hub").Logger())
	reg := registry.New(store, log.With().Str("component", "registry").Logger())
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(store, reg, stats.New(store), hub, addr, log.With().Str("component", "api").Logger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if cfg.Roster.Watch {
		watcher, err := roster.NewWatcher(ros, cfg.Roster.Path, log.With().Str("component", "roster").Logger())
		if err != nil {
			log.Warn().Err(err).Msg("roster watcher unavailable")
		} else {
			watcher.OnReload(func(r *roster.Roster) {
				seedUsers(store, r, log)
			})
			g.Go(func() error {
				return watcher.Run(ctx)
			})
		}
	}
	g.Go(func() error {
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// seedUsers mirrors the roster into the ledger so entries and events can
// be joined to display names without a roster lookup.
func seedUsers(store *ledger.Store, ros *roster.Roster, log zerolog.Logger) {
	for _, user := range ros.Users() {
		u := user
		if err := store.UpsertUser(&u); err != nil {
			log.Warn().Err(err).Str("user", u.ID).Msg("user seed failed")
		}
	}
}
