package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/convsync/convsync/internal/conv"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// maxRetries bounds retry attempts for rate-limited requests.
	maxRetries = 3

	// retryBackoff is the fallback wait when 429 carries no Retry-After.
	retryBackoff = 1 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// defaultHTTPClient serves request/response calls. Streams must not use
// it: the overall timeout would sever a healthy event stream.
var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// streamHTTPClient serves the events stream; its lifetime is bounded by
// the request context and the server's TTL, not a client timeout.
var streamHTTPClient = &http.Client{}

// HTTPTransport talks to the sync server over JSON HTTP.
// Automatically injects:
// - Authorization: Bearer <token> (production) OR X-Debug-Sub (dev mode)
// - X-Correlation-ID: <uuid>
// Retries 429 Too Many Requests respecting Retry-After.
type HTTPTransport struct {
	BaseURL  string
	Token    string // bearer token; empty means dev mode
	DebugSub string // subject sent as X-Debug-Sub in dev mode

	// Client overrides the request/response HTTP client (tests).
	Client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)
var _ EventsOpener = (*HTTPTransport)(nil)

func (t *HTTPTransport) httpClient() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return defaultHTTPClient
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
		return
	}
	req.Header.Set("X-Debug-Sub", t.DebugSub)
}

// writeBody is the PUT/DELETE request payload. A nil Data is omitted
// (DELETE form).
type writeBody struct {
	BaseRevision *int64            `json:"baseRevision"`
	Data         conv.Conversation `json:"data,omitempty"`
}

func (t *HTTPTransport) ListConversations(ctx context.Context) ([]Meta, error) {
	var out struct {
		Items []Meta `json:"items"`
	}
	if err := t.doJSON(ctx, http.MethodGet, "/sync/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (t *HTTPTransport) GetConversation(ctx context.Context, id string) (*Remote, error) {
	var out struct {
		ConversationID string            `json:"conversationId"`
		Revision       int64             `json:"revision"`
		Deleted        bool              `json:"deleted"`
		Data           conv.Conversation `json:"data"`
	}
	if err := t.doJSON(ctx, http.MethodGet, "/sync/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &Remote{
		ConversationID: out.ConversationID,
		Revision:       out.Revision,
		Deleted:        out.Deleted,
		Data:           out.Data,
	}, nil
}

func (t *HTTPTransport) UpsertConversation(ctx context.Context, id string, baseRevision *int64, data conv.Conversation) (int64, error) {
	var out struct {
		Revision int64 `json:"revision"`
	}
	body := writeBody{BaseRevision: baseRevision, Data: data}
	if err := t.doJSON(ctx, http.MethodPut, "/sync/conversations/"+url.PathEscape(id), &body, &out); err != nil {
		return 0, err
	}
	return out.Revision, nil
}

func (t *HTTPTransport) DeleteConversation(ctx context.Context, id string, baseRevision *int64) (int64, error) {
	var out struct {
		Revision int64 `json:"revision"`
	}
	body := writeBody{BaseRevision: baseRevision}
	if err := t.doJSON(ctx, http.MethodDelete, "/sync/conversations/"+url.PathEscape(id), &body, &out); err != nil {
		return 0, err
	}
	return out.Revision, nil
}

// OpenEvents opens the server-sent event stream. The caller owns the
// returned body and must close it.
func (t *HTTPTransport) OpenEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/sync/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Correlation-ID", uuid.New().String())
	t.authorize(req)

	resp, err := streamHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// doJSON executes one API call: marshals reqBody (when non-nil),
// injects auth and correlation headers per attempt, retries on 429, and
// decodes the response into out.
func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, reqBody, out any) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	correlationID := uuid.New().String()
	logger := log.With().
		Str("method", method).
		Str("path", path).
		Str("correlationId", correlationID).
		Logger()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Correlation-ID", correlationID)
		t.authorize(req)

		start := time.Now()
		resp, err := t.httpClient().Do(req)
		if err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("HTTP request failed")
			return err
		}

		logger.Debug().
			Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).
			Int("attempt", attempt).
			Msg("HTTP request completed")

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			wait := parseRetryAfter(resp.Header.Get("Retry-After"))
			if wait == 0 {
				wait = retryBackoff * time.Duration(1<<attempt)
			}
			resp.Body.Close()

			logger.Warn().
				Dur("retryAfter", wait).
				Int("attempt", attempt).
				Msg("Rate limited - backing off")

			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return decodeResponse(resp, out)
	}
}

// decodeResponse consumes the body: 2xx decodes into out, everything
// else becomes a typed error.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp)
}

// decodeError maps a non-2xx response to *ConflictError (structured
// 409) or *APIError.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode == http.StatusConflict {
		var c ConflictError
		if err := json.Unmarshal(body, &c); err == nil && c.Revision >= 1 {
			return &c
		}
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error == "" {
		envelope.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Token: envelope.Error}
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	// Try parsing as integer (seconds)
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(value); err == nil {
		duration := time.Until(t)
		if duration > 0 {
			return duration
		}
	}

	// Fallback
	return 0
}
