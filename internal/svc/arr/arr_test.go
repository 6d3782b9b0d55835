package arr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/command", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		var cmd commandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		assert.Equal(t, "DownloadedEpisodesScan", cmd.Name)
		assert.Equal(t, "/media/show.mkv", cmd.Path)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(commandResponse{ID: 17, Name: cmd.Name, Status: "queued"})
	}))
	defer srv.Close()

	c := NewClient("secret", srv.URL)

	uri, err := c.RequestScan(context.Background(), "/media/show.mkv")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api/v3/command/17", uri)
}

func TestRequestScan_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient("wrong", srv.URL).RequestScan(context.Background(), "/media/show.mkv")
	assert.Error(t, err)
}

func TestForget(t *testing.T) {
	var deleted []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted = append(deleted, r.URL.Path)

		switch r.URL.Path {
		case "/api/v3/command/1":
			w.WriteHeader(http.StatusOK)
		case "/api/v3/command/2":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient("secret", srv.URL)
	ctx := context.Background()

	assert.NoError(t, c.Forget(ctx, srv.URL+"/api/v3/command/1"))
	assert.NoError(t, c.Forget(ctx, srv.URL+"/api/v3/command/2"), "unknown reference is already forgotten")
	assert.Error(t, c.Forget(ctx, srv.URL+"/api/v3/command/3"))
	assert.Len(t, deleted, 3)
}
