package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/layoutsync/layout"
)

// DefaultRemoteTimeout keeps a slow or unreachable remote from ever
// blocking UI rendering.
const DefaultRemoteTimeout = 4 * time.Second

// HTTPError carries the remote status code for errors that are neither
// not-found, rejection, nor conflict.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnavailable && e.StatusCode >= 500
}

// RemoteBackend talks to the cross-device layout authority over
// GET/PUT /v1/layouts/{identityKey}. Error mapping: 404 is ErrNotFound,
// 401/403 is ErrRejected, 409 is a VersionConflictError carrying the
// current remote record, and timeouts, network errors, and exhausted 5xx
// retries all collapse to ErrUnavailable so the restoration chain can fall
// through.
type RemoteBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     zerolog.Logger
}

type RemoteOptions struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     zerolog.Logger
}

func NewRemoteBackend(baseURL, token string, opts RemoteOptions) *RemoteBackend {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRemoteTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	return &RemoteBackend{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
	}
}

func (b *RemoteBackend) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	if strings.TrimSpace(identityKey) == "" {
		return layout.Record{}, fmt.Errorf("%w: identity key is required for remote reads", ErrInvalidInput)
	}
	var rec layout.Record
	if err := b.doJSON(ctx, http.MethodGet, b.layoutPath(identityKey), nil, &rec); err != nil {
		return layout.Record{}, err
	}
	rec.IdentityKey = identityKey
	return rec, nil
}

func (b *RemoteBackend) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	if strings.TrimSpace(identityKey) == "" {
		return fmt.Errorf("%w: identity key is required for remote writes", ErrInvalidInput)
	}
	return b.doJSON(ctx, http.MethodPut, b.layoutPath(identityKey), rec, nil)
}

func (b *RemoteBackend) layoutPath(identityKey string) string {
	return "/v1/layouts/" + url.PathEscape(identityKey)
}

func (b *RemoteBackend) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+b.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
			if attempt < b.maxRetries {
				if waitErr := waitWithContext(ctx, b.retryDelay(attempt+1, "")); waitErr != nil {
					return fmt.Errorf("%w: %v", ErrUnavailable, waitErr)
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < b.maxRetries {
			if waitErr := waitWithContext(ctx, b.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, waitErr)
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: http %d", ErrRejected, resp.StatusCode)
		case http.StatusConflict:
			var conflictBody struct {
				Current layout.Record `json:"current"`
			}
			_ = json.Unmarshal(payload, &conflictBody)
			return &VersionConflictError{Current: conflictBody.Current}
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			b.logger.Debug().Int("status", resp.StatusCode).Str("path", requestPath).Msg("remote store unavailable")
			return fmt.Errorf("%w: %v", ErrUnavailable, httpErr)
		}
		return httpErr
	}
}

func (b *RemoteBackend) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > b.maxDelay {
			return b.maxDelay
		}
		return retryAfter
	}
	delay := b.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.maxDelay {
			return b.maxDelay
		}
	}
	if delay > b.maxDelay {
		return b.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
