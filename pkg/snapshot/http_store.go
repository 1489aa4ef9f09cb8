package snapshot

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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// HTTPStore talks to a session service over HTTP:
//
//	GET   {base}/sessions/{id}
//	PATCH {base}/sessions/{id}/snapshot
type HTTPStore struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retries uint64
	logger  *slog.Logger
}

var _ Store = (*HTTPStore)(nil)

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient overrides the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		if c != nil {
			s.client = c
		}
	}
}

// WithFetchRetries bounds retries of transient fetch failures.
func WithFetchRetries(n uint64) HTTPOption {
	return func(s *HTTPStore) { s.retries = n }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(s *HTTPStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHTTPStore creates a client for the service at baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "snapshot-http",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 业务错误不代表服务故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

func (s *HTTPStore) sessionURL(id string, suffix string) string {
	return s.base + "/sessions/" + url.PathEscape(id) + suffix
}

// statusError maps a non-2xx response to an error.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone:
		return fmt.Errorf("%w: http %d", ErrSessionClosed, resp.StatusCode)
	case http.StatusNotFound:
		return ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("snapshot service: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (s *HTTPStore) do(req *http.Request, out any) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(resp)
		}
		if out == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		return nil, nil
	})
	return err
}

// Fetch loads a session, retrying transient failures with exponential backoff.
// Authorization failures and missing sessions are not retried.
func (s *HTTPStore) Fetch(ctx context.Context, id string) (Session, error) {
	var sess Session
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sessionURL(id, ""), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = s.do(req, &sess)
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.logger.Debug("session fetch failed, retrying", "session", id, "err", err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.retries), ctx)); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Save sends one PATCH. Callers retry on their own schedule.
func (s *HTTPStore) Save(ctx context.Context, id string, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.sessionURL(id, "/snapshot"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, nil)
}
