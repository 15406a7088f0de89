// Package warmer keeps the entity cache filled from the hub: a full refresh
// after every (re)connect and on a cron schedule, and per-entity updates from
// state_changed events in between. The cache is emptied when the hub rejects
// the token, since no further updates will arrive.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/cache"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

const DefaultSchedule = "@every 5m"

type StateFetcher interface {
	GetStates(ctx context.Context) ([]hass.State, error)
}

type Source interface {
	OnConnected(fn func()) func()
	OnAuthFailed(fn func()) func()
	OnStateChanged(fn func(hass.StateChanged)) func()
}

type Warmer struct {
	fetcher StateFetcher
	cache   cache.Cache
	timeout time.Duration
	cron    *cron.Cron

	running atomic.Bool

	mu          sync.Mutex
	offs        []func()
	lastRefresh time.Time
	lastCount   int
}

// New validates schedule and prepares the warmer. An empty schedule disables
// periodic refreshes.
func New(fetcher StateFetcher, c cache.Cache, schedule string, timeout time.Duration) (*Warmer, error) {
	if timeout <= 0 {
		timeout = hass.DefaultRequestTimeout
	}
	w := &Warmer{fetcher: fetcher, cache: c, timeout: timeout, cron: cron.New()}
	if schedule != "" {
		if _, err := w.cron.AddFunc(schedule, w.scheduled); err != nil {
			return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
		}
	}
	return w, nil
}

// Start subscribes to src and starts the schedule.
func (w *Warmer) Start(src Source) {
	w.mu.Lock()
	w.offs = append(w.offs,
		src.OnConnected(func() { go w.scheduled() }),
		src.OnStateChanged(w.apply),
		src.OnAuthFailed(w.purge),
	)
	w.mu.Unlock()
	w.cron.Start()
}

func (w *Warmer) Stop() {
	w.mu.Lock()
	offs := w.offs
	w.offs = nil
	w.mu.Unlock()
	for _, off := range offs {
		off()
	}
	<-w.cron.Stop().Done()
}

// Refresh loads every entity from the hub into the cache and returns how many
// were stored. It is skipped while another refresh is running.
func (w *Warmer) Refresh(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer w.running.Store(false)

	states, err := w.fetcher.GetStates(ctx)
	if err != nil {
		return 0, err
	}
	w.cache.SetAll(ctx, states)
	for _, st := range states {
		w.cache.SetEntity(ctx, st)
	}

	w.mu.Lock()
	w.lastRefresh = time.Now().UTC()
	w.lastCount = len(states)
	w.mu.Unlock()
	return len(states), nil
}

// LastRefresh reports when the cache was last filled and with how many
// entities. The time is zero before the first successful refresh.
func (w *Warmer) LastRefresh() (time.Time, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRefresh, w.lastCount
}

func (w *Warmer) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	n, err := w.Refresh(ctx)
	if err != nil {
		slog.Warn("entity cache refresh failed", "error", err)
		return
	}
	slog.Debug("entity cache refreshed", "entities", n)
}

func (w *Warmer) apply(sc hass.StateChanged) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	w.cache.InvalidateEntity(ctx, sc.EntityID)
	if sc.NewState != nil {
		w.cache.SetEntity(ctx, *sc.NewState)
	}
}

func (w *Warmer) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	w.cache.InvalidateAll(ctx)
	w.mu.Lock()
	w.lastRefresh = time.Time{}
	w.lastCount = 0
	w.mu.Unlock()
	slog.Info("entity cache purged after hass auth failure")
}
