package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/api"
	"github.com/tbourn/go-chat-realtime/internal/auth"
	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/live"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/resolver"
	"github.com/tbourn/go-chat-realtime/internal/session"
	"github.com/tbourn/go-chat-realtime/internal/store"
)

// bridge is the long-running part shared by serve and tail: the session,
// its optional sqlite cache and the retention scheduler.
type bridge struct {
	sess      *session.Session
	db        *gorm.DB
	cache     *repo.MessageCache
	retention *repo.Retention
	log       zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	lost    bool
	runErr  error
	stopped chan struct{}
}

// newBridge wires the session from cfg. The cache is opened and migrated
// only when enabled.
func newBridge(cfg config.Config, lg zerolog.Logger) (*bridge, error) {
	b := &bridge{log: lg, stopped: make(chan struct{})}

	st := store.New(store.Options{
		Policy:       resolver.Policy{Window: cfg.Store.MatchWindow},
		PendingTTL:   cfg.Store.PendingTTL,
		SortOnAppend: cfg.Store.SortOnAppend,
	})
	tokens := auth.StaticToken(cfg.Backend.AuthToken)

	poll := cfg.Backend.PresencePollInterval
	if poll == 0 {
		poll = -1 // configured off
	}
	opts := session.Options{
		UserID:  cfg.Backend.UserID,
		Backend: api.New(cfg.Backend.URL, tokens, nil, cfg.Backend.HTTPTimeout),
		Store:   st,
		Live: live.Options{
			BaseURL:      cfg.Backend.URL,
			Tokens:       tokens,
			InitialDelay: cfg.Backend.ReconnectInitialDelay,
			MaxAttempts:  cfg.Backend.ReconnectMaxAttempts,
		},
		PollInterval: poll,
		Logger:       &b.log,
	}

	if cfg.Cache.Enabled {
		db, err := repo.OpenSQLite(cfg.Cache.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open cache %q: %w", cfg.Cache.DBPath, err)
		}
		if err := repo.AutoMigrate(db); err != nil {
			closeDB(db)
			return nil, fmt.Errorf("migrate cache: %w", err)
		}
		b.db = db
		b.cache = repo.NewMessageCache(db)
		opts.Cache = b.cache
		b.retention = &repo.Retention{
			DB:     db,
			Cron:   cfg.Cache.RetentionCron,
			Period: cfg.Cache.RetentionPeriod,
			Logger: &b.log,
		}
	}

	sess, err := session.New(opts)
	if err != nil {
		b.closeCache()
		return nil, err
	}
	b.sess = sess
	return b, nil
}

// start runs the session and the retention scheduler until ctx ends.
func (b *bridge) start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.stopped)
		err := b.sess.Run(ctx)
		b.mu.Lock()
		b.runErr = err
		b.lost = errors.Is(err, live.ErrConnectionLost)
		b.mu.Unlock()
		switch {
		case b.lost:
			b.log.Warn().Msg("live channel lost; serving cached state with presence polling")
		case err != nil:
			b.log.Error().Err(err).Msg("session stopped")
		}
	}()

	if b.retention != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.retention.Run(ctx); err != nil {
				b.log.Error().Err(err).Msg("cache retention disabled")
			}
		}()
	}
}

// stop waits for the goroutines started by start (ctx must already be
// cancelled), then releases subscribers and the cache.
func (b *bridge) stop() {
	b.wg.Wait()
	b.sess.Wait()
	b.sess.Close()
	b.closeCache()
}

// result reports how Run ended.
func (b *bridge) result() (lost bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lost, b.runErr
}

func (b *bridge) closeCache() {
	if b.db != nil {
		closeDB(b.db)
		b.db = nil
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
