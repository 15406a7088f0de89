package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound matches errors for hub responses with status 404.
var ErrNotFound = errors.New("hass: not found")

// StatusError is returned for non-2xx hub responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("hass API returned status %d", e.Status)
	}
	return fmt.Sprintf("hass API returned status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// isoMillis is the timestamp layout the hub's history endpoint expects.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Ping checks that the REST API is reachable with the configured token.
func (g *Gateway) Ping(ctx context.Context) error {
	var out map[string]any
	if err := g.do(ctx, "ping", http.MethodGet, "/api/", nil, nil, &out); err != nil {
		return err
	}
	slog.Info("hass connection test successful", "message", out["message"])
	return nil
}

func (g *Gateway) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := g.do(ctx, "get_states", http.MethodGet, "/api/states", nil, nil, &states); err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	return states, nil
}

// GetState fetches one entity. Unknown entities yield an error matching
// ErrNotFound.
func (g *Gateway) GetState(ctx context.Context, entityID string) (State, error) {
	var st State
	if err := g.do(ctx, "get_state", http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, nil, &st); err != nil {
		return State{}, fmt.Errorf("fetch state %s: %w", entityID, err)
	}
	return st, nil
}

// CallService invokes <domain>.<service> with payload as the JSON body and
// returns the hub's response body unvalidated.
func (g *Gateway) CallService(ctx context.Context, domain, service string, payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	var out json.RawMessage
	if err := g.do(ctx, "call_service", http.MethodPost, path, nil, payload, &out); err != nil {
		return nil, fmt.Errorf("call service %s.%s: %w", domain, service, err)
	}
	return out, nil
}

// GetHistory returns the hub's history for one entity in its native shape:
// one list of snapshots per queried entity.
func (g *Gateway) GetHistory(ctx context.Context, entityID string, start, end *time.Time) ([][]State, error) {
	path := "/api/history/period"
	if start != nil {
		path += "/" + url.PathEscape(start.UTC().Format(isoMillis))
	}
	q := url.Values{}
	q.Set("filter_entity_id", entityID)
	if end != nil {
		q.Set("end_time", end.UTC().Format(isoMillis))
	}

	var out [][]State
	if err := g.do(ctx, "get_history", http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", entityID, err)
	}
	return out, nil
}

func (g *Gateway) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		restRequests.WithLabelValues(op, outcome).Inc()
	}()

	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*raw = json.RawMessage(b)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
