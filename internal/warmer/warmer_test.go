package warmer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/cache"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

type fakeFetcher struct {
	calls  atomic.Int32
	states []hass.State
	err    error
}

func (f *fakeFetcher) GetStates(context.Context) ([]hass.State, error) {
	f.calls.Add(1)
	return f.states, f.err
}

type fakeSource struct {
	mu        sync.Mutex
	connected []func()
	failed    []func()
	changed   []func(hass.StateChanged)
}

func (s *fakeSource) OnConnected(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connected = nil
	}
}

func (s *fakeSource) OnAuthFailed(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.failed = nil
	}
}

func (s *fakeSource) OnStateChanged(fn func(hass.StateChanged)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = append(s.changed, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.changed = nil
	}
}

func (s *fakeSource) fireConnected() {
	s.mu.Lock()
	fns := append([]func(){}, s.connected...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSource) fireAuthFailed() {
	s.mu.Lock()
	fns := append([]func(){}, s.failed...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSource) fireChanged(sc hass.StateChanged) {
	s.mu.Lock()
	fns := append([]func(hass.StateChanged){}, s.changed...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sc)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	if _, err := New(&fakeFetcher{}, cache.NewMemoryCache(time.Minute), "every so often", time.Second); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestRefreshFillsCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(time.Minute)
	f := &fakeFetcher{states: []hass.State{
		{EntityID: "light.kitchen", State: "on"},
		{EntityID: "sensor.temp", State: "21.5"},
	}}
	w, err := New(f, c, "", time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	n, err := w.Refresh(ctx)
	if err != nil || n != 2 {
		t.Fatalf("refresh = %d, %v", n, err)
	}
	if all, ok := c.GetAll(ctx); !ok || len(all) != 2 {
		t.Fatalf("list not cached: %+v", all)
	}
	if st, ok := c.GetEntity(ctx, "sensor.temp"); !ok || st.State != "21.5" {
		t.Fatalf("entity not cached: %+v", st)
	}
	if at, count := w.LastRefresh(); at.IsZero() || count != 2 {
		t.Fatalf("unexpected last refresh: %s %d", at, count)
	}
}

func TestRefreshErrorLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(time.Minute)
	c.SetAll(ctx, []hass.State{{EntityID: "light.old", State: "off"}})
	w, _ := New(&fakeFetcher{err: errors.New("hub down")}, c, "", time.Second)

	if _, err := w.Refresh(ctx); err == nil {
		t.Fatalf("expected error")
	}
	if all, ok := c.GetAll(ctx); !ok || len(all) != 1 {
		t.Fatalf("cache changed on failed refresh: %+v", all)
	}
	if at, _ := w.LastRefresh(); !at.IsZero() {
		t.Fatalf("failed refresh recorded as successful")
	}
}

func TestStartRefreshesOnConnectAndAppliesChanges(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(time.Minute)
	f := &fakeFetcher{states: []hass.State{{EntityID: "switch.fan", State: "off"}}}
	w, _ := New(f, c, "", time.Second)
	src := &fakeSource{}
	w.Start(src)
	defer w.Stop()

	src.fireConnected()
	waitFor(t, "refresh after connect", func() bool {
		_, ok := c.GetAll(ctx)
		return ok
	})

	src.fireChanged(hass.StateChanged{
		EntityID: "switch.fan",
		NewState: &hass.State{EntityID: "switch.fan", State: "on"},
		OldState: &hass.State{EntityID: "switch.fan", State: "off"},
	})
	if st, ok := c.GetEntity(ctx, "switch.fan"); !ok || st.State != "on" {
		t.Fatalf("entity not updated: %+v", st)
	}
	if _, ok := c.GetAll(ctx); ok {
		t.Fatalf("stale entity list kept after change")
	}
}

func TestScheduledRefresh(t *testing.T) {
	f := &fakeFetcher{states: []hass.State{{EntityID: "sensor.a", State: "1"}}}
	w, err := New(f, cache.NewMemoryCache(time.Minute), "@every 1s", time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	w.Start(&fakeSource{})
	defer w.Stop()

	waitFor(t, "scheduled refresh", func() bool { return f.calls.Load() >= 1 })
}

func TestStopDetachesListeners(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(time.Minute)
	w, _ := New(&fakeFetcher{}, c, "", time.Second)
	src := &fakeSource{}
	w.Start(src)
	w.Stop()

	src.fireChanged(hass.StateChanged{EntityID: "light.x", NewState: &hass.State{EntityID: "light.x", State: "on"}})
	if _, ok := c.GetEntity(ctx, "light.x"); ok {
		t.Fatalf("stopped warmer still applied changes")
	}
}

func TestAuthFailurePurgesCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(time.Minute)
	f := &fakeFetcher{states: []hass.State{{EntityID: "lock.door", State: "locked"}}}
	w, _ := New(f, c, "", time.Second)
	if _, err := w.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	src := &fakeSource{}
	w.Start(src)
	defer w.Stop()

	src.fireAuthFailed()

	if _, ok := c.GetAll(ctx); ok {
		t.Fatalf("entity list still cached after auth failure")
	}
	if _, ok := c.GetEntity(ctx, "lock.door"); ok {
		t.Fatalf("entity still cached after auth failure")
	}
	if at, n := w.LastRefresh(); !at.IsZero() || n != 0 {
		t.Fatalf("last refresh not reset: %s %d", at, n)
	}
}
