package activity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
)

func TestHTTPSessionLocker(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/sessions/alice@example.com/lock":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte("already unlocked\n"))
		}
	}))
	defer srv.Close()

	l := NewHTTPSessionLocker(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret"})

	resp, err := l.Lock(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)

	resp, err = l.Unlock(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "already unlocked", resp.Body)

	assert.Equal(t, []string{
		"POST /sessions/alice@example.com/lock",
		"POST /sessions/alice@example.com/unlock",
	}, paths)
}

func TestHTTPSessionLocker_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := NewHTTPSessionLocker(HTTPConfig{BaseURL: url})
	_, err := l.Lock(context.Background(), "alice")
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestHTTPServices_GetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/profiles/alice":
			json.NewEncoder(w).Encode(Profile{Email: "a@example.com", EmailValidated: true, EmailEnabled: true})
		case "/profiles/flaky":
			w.WriteHeader(http.StatusBadGateway)
		case "/profiles/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	s := NewHTTPServices(HTTPConfig{BaseURL: srv.URL})
	ctx := context.Background()

	p, err := s.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Identity)
	assert.True(t, p.CanReceiveEmail())

	_, err = s.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetProfile(ctx, "flaky")
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	_, err = s.GetProfile(ctx, "forbidden")
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestHTTPServices_ExtractAndNotify(t *testing.T) {
	var notified notifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/exports/alice":
			json.NewEncoder(w).Encode(ArchiveBundle{BlobName: "alice.zip", Password: "pw"})
		case "/notifications":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&notified))
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()
	s := NewHTTPServices(HTTPConfig{BaseURL: srv.URL})
	ctx := context.Background()

	bundle, err := s.Extract(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ArchiveBundle{BlobName: "alice.zip", Password: "pw"}, bundle)

	status, err := s.Notify(ctx, "alice", TemplateParams{BlobName: bundle.BlobName, Password: bundle.Password})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice", notified.Identity)
	assert.Equal(t, "alice.zip", notified.Params.BlobName)
}

func TestHTTPServices_Delete(t *testing.T) {
	var got deleteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/accounts/alice":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		case "/accounts/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	s := NewHTTPServices(HTTPConfig{BaseURL: srv.URL})
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "alice", "s3://backups"))
	assert.Equal(t, "s3://backups", got.BackupDestination)

	require.NoError(t, s.Delete(ctx, "gone", "s3://backups"))

	err := s.Delete(ctx, "broken", "s3://backups")
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestHTTPServices_Update(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req feedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, record.OperationDelete, req.Operation)
		assert.Equal(t, "svc-1", req.ServiceID)
		json.NewEncoder(w).Encode(feedResponse{Outcome: FeedFailure})
	}))
	defer srv.Close()
	s := NewHTTPServices(HTTPConfig{BaseURL: srv.URL})

	res, err := s.Update(context.Background(), "alice", record.OperationDelete, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, FeedFailure, res)
}
