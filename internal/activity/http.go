package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
)

// DefaultHTTPTimeout bounds a single collaborator request.
const DefaultHTTPTimeout = 30 * time.Second

// Doer performs an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPConfig addresses an HTTP collaborator.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Client  Doer
}

func (c HTTPConfig) client() Doer {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

type httpClient struct {
	base   string
	token  string
	client Doer
}

func newHTTPClient(conf HTTPConfig) httpClient {
	return httpClient{
		base:   strings.TrimRight(conf.BaseURL, "/"),
		token:  conf.Token,
		client: conf.client(),
	}
}

// do sends body as JSON and returns the status and raw response body.
// err is set only when no response was received.
func (h httpClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, reader)
	if err != nil {
		return 0, nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// statusError classifies a non-2xx answer: 5xx is transient, anything else
// is permanent.
func statusError(method, path string, status int, body []byte) error {
	err := fmt.Errorf("%s %s returned %d: %s", method, path, status, strings.TrimSpace(string(body)))
	if status >= 500 {
		return err
	}
	return retry.Permanent(err)
}

func identityPath(format, identity string) string {
	return fmt.Sprintf(format, url.PathEscape(identity))
}

// HTTPSessionLocker is the session-lock service client.
type HTTPSessionLocker struct {
	http httpClient
}

var _ SessionLocker = (*HTTPSessionLocker)(nil)

// NewHTTPSessionLocker returns a client for the session-lock service.
func NewHTTPSessionLocker(conf HTTPConfig) *HTTPSessionLocker {
	return &HTTPSessionLocker{http: newHTTPClient(conf)}
}

// Lock locks every session of identity.
func (l *HTTPSessionLocker) Lock(ctx context.Context, identity string) (LockResponse, error) {
	return l.call(ctx, identityPath("/sessions/%s/lock", identity))
}

// Unlock unlocks every session of identity.
func (l *HTTPSessionLocker) Unlock(ctx context.Context, identity string) (LockResponse, error) {
	return l.call(ctx, identityPath("/sessions/%s/unlock", identity))
}

func (l *HTTPSessionLocker) call(ctx context.Context, path string) (LockResponse, error) {
	status, body, err := l.http.do(ctx, http.MethodPost, path, nil)
	if status == 0 {
		return LockResponse{}, err
	}
	return LockResponse{Status: status, Body: strings.TrimSpace(string(body))}, err
}

// HTTPServices talks to the account platform that owns profiles, data
// extraction, deletion, notifications and the subscription feed.
type HTTPServices struct {
	http httpClient
}

var (
	_ ProfileDirectory = (*HTTPServices)(nil)
	_ Extractor        = (*HTTPServices)(nil)
	_ Deleter          = (*HTTPServices)(nil)
	_ Notifier         = (*HTTPServices)(nil)
	_ FeedUpdater      = (*HTTPServices)(nil)
)

// NewHTTPServices returns a client for the account platform.
func NewHTTPServices(conf HTTPConfig) *HTTPServices {
	return &HTTPServices{http: newHTTPClient(conf)}
}

// GetProfile fetches the profile of identity.
func (s *HTTPServices) GetProfile(ctx context.Context, identity string) (Profile, error) {
	path := identityPath("/profiles/%s", identity)
	status, body, err := s.http.do(ctx, http.MethodGet, path, nil)
	switch {
	case err != nil:
		return Profile{}, err
	case status == http.StatusNotFound:
		return Profile{}, ErrNotFound
	case status != http.StatusOK:
		return Profile{}, statusError(http.MethodGet, path, status, body)
	}

	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, retry.Permanent(fmt.Errorf("decode profile: %w", err))
	}
	if p.Identity == "" {
		p.Identity = identity
	}
	return p, nil
}

// Extract exports the data of identity.
func (s *HTTPServices) Extract(ctx context.Context, identity string) (ArchiveBundle, error) {
	path := identityPath("/exports/%s", identity)
	status, body, err := s.http.do(ctx, http.MethodPost, path, nil)
	switch {
	case err != nil:
		return ArchiveBundle{}, err
	case status < 200 || status > 299:
		return ArchiveBundle{}, statusError(http.MethodPost, path, status, body)
	}

	var bundle ArchiveBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return ArchiveBundle{}, retry.Permanent(fmt.Errorf("decode archive bundle: %w", err))
	}
	return bundle, nil
}

type deleteRequest struct {
	BackupDestination string `json:"backupDestination"`
}

// Delete erases the data of identity after backing it up. A 404 means there
// was nothing left to erase.
func (s *HTTPServices) Delete(ctx context.Context, identity, backupDestination string) error {
	path := identityPath("/accounts/%s", identity)
	status, body, err := s.http.do(ctx, http.MethodDelete, path, deleteRequest{BackupDestination: backupDestination})
	switch {
	case err != nil:
		return err
	case status == http.StatusNotFound:
		return nil
	case status < 200 || status > 299:
		return statusError(http.MethodDelete, path, status, body)
	}
	return nil
}

type notifyRequest struct {
	Identity string         `json:"identity"`
	Template string         `json:"template"`
	Params   TemplateParams `json:"params"`
}

// Notify posts the export-ready notification and returns the answer status.
func (s *HTTPServices) Notify(ctx context.Context, identity string, params TemplateParams) (int, error) {
	status, _, err := s.http.do(ctx, http.MethodPost, "/notifications", notifyRequest{
		Identity: identity,
		Template: "export-ready",
		Params:   params,
	})
	if status == 0 {
		return 0, err
	}
	return status, nil
}

type feedRequest struct {
	Identity  string           `json:"identity"`
	Operation record.Operation `json:"operation"`
	ServiceID string           `json:"serviceId,omitempty"`
}

type feedResponse struct {
	Outcome string `json:"outcome"`
}

// Update reports a completed request to the subscription feed.
func (s *HTTPServices) Update(ctx context.Context, identity string, op record.Operation, serviceID string) (string, error) {
	const path = "/feed"
	status, body, err := s.http.do(ctx, http.MethodPost, path, feedRequest{
		Identity:  identity,
		Operation: op,
		ServiceID: serviceID,
	})
	switch {
	case err != nil:
		return "", err
	case status < 200 || status > 299:
		return "", statusError(http.MethodPost, path, status, body)
	}

	var res feedResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode feed response: %w", err))
	}
	return res.Outcome, nil
}
