package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PetoAdam/homenavi/hass-gateway/internal/cache"
	"github.com/PetoAdam/homenavi/hass-gateway/internal/hass"
)

const (
	defaultHistoryWindow = 24 * time.Hour
	maxServiceBody       = 1 << 20
)

// Hub is the part of the gateway the HTTP API calls into.
type Hub interface {
	GetStates(ctx context.Context) ([]hass.State, error)
	GetState(ctx context.Context, entityID string) (hass.State, error)
	GetHistory(ctx context.Context, entityID string, start, end *time.Time) ([][]hass.State, error)
	CallService(ctx context.Context, domain, service string, payload map[string]any) (json.RawMessage, error)
	Status() hass.Status
}

// RefreshReporter reports when the entity cache was last filled.
type RefreshReporter interface {
	LastRefresh() (time.Time, int)
}

type Server struct {
	hub     Hub
	cache   cache.Cache
	refresh RefreshReporter
	now     func() time.Time
}

// New returns a server reading through c. A nil cache sends every read to
// the hub.
func New(hub Hub, c cache.Cache) *Server {
	return &Server{hub: hub, cache: c, now: time.Now}
}

// ReportRefresh adds cache freshness from r to the health payload.
func (s *Server) ReportRefresh(r RefreshReporter) {
	s.refresh = r
}

type period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type historyResponse struct {
	Success  bool         `json:"success"`
	Data     []hass.State `json:"data"`
	EntityID string       `json:"entity_id"`
	Period   period       `json:"period"`
}

// RegisterRoutes mounts the entity and service endpoints on r. serviceMW
// wraps only the service-call route.
func (s *Server) RegisterRoutes(r chi.Router, serviceMW ...func(http.Handler) http.Handler) {
	r.Get("/entities", s.handleListEntities)
	r.Get("/entities/{id}", s.handleGetEntity)
	r.Get("/entities/{id}/history", s.handleHistory)
	r.With(serviceMW...).Post("/services/{domain}/{service}", s.handleCallService)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC(),
		"hass":      s.hub.Status(),
	}
	if s.refresh != nil {
		at, n := s.refresh.LastRefresh()
		var last *time.Time
		if !at.IsZero() {
			last = &at
		}
		resp["cache"] = map[string]any{"last_refresh": last, "entities": n}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if states, ok := s.cache.GetAll(r.Context()); ok {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": states, "count": len(states)})
			return
		}
	}

	states, err := s.hub.GetStates(r.Context())
	if err != nil {
		slog.Error("error fetching entities", "error", err)
		writeError(w, http.StatusBadGateway, "Failed to fetch entities from Home Assistant")
		return
	}
	if states == nil {
		states = []hass.State{}
	}
	if s.cache != nil {
		s.cache.SetAll(r.Context(), states)
	}
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": states, "count": len(states)})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.cache != nil {
		if st, ok := s.cache.GetEntity(r.Context(), id); ok {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": st})
			return
		}
	}

	st, err := s.hub.GetState(r.Context(), id)
	if errors.Is(err, hass.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Entity %s not found", id))
		return
	}
	if err != nil {
		slog.Error("error fetching entity", "entity_id", id, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch entity %s", id))
		return
	}
	if s.cache != nil {
		s.cache.SetEntity(r.Context(), st)
	}
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": st})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	q := r.URL.Query()

	end, endPtr, err := parseTimePtr(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end")
		return
	}
	if endPtr == nil {
		end = s.now().UTC()
	}
	start, startPtr, err := parseTimePtr(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start")
		return
	}
	if startPtr == nil {
		start = s.now().UTC().Add(-defaultHistoryWindow)
	}
	if start.After(end) {
		writeError(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	history, err := s.hub.GetHistory(r.Context(), id, &start, &end)
	if err != nil {
		slog.Error("error fetching history", "entity_id", id, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch history for %s", id))
		return
	}

	data := []hass.State{}
	if len(history) > 0 && history[0] != nil {
		data = history[0]
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Success:  true,
		Data:     data,
		EntityID: id,
		Period:   period{Start: start, End: end},
	})
}

func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(chi.URLParam(r, "domain"))
	service := strings.TrimSpace(chi.URLParam(r, "service"))

	payload, err := decodeServiceData(http.MaxBytesReader(w, r.Body, maxServiceBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "service data must be a JSON object")
		return
	}

	slog.Info("calling service", "domain", domain, "service", service, "data", payload)
	result, err := s.hub.CallService(r.Context(), domain, service, payload)
	if err != nil {
		slog.Error("error calling service", "domain", domain, "service", service, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to call service %s.%s", domain, service))
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": result})
}

// decodeServiceData accepts an empty body or a single JSON object.
func decodeServiceData(body io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func parseTimePtr(v string) (time.Time, *time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, nil, err
	}
	t = t.UTC()
	return t, &t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
