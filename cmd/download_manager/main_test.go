package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/http/rest"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/sqlite"
)

func TestPrintBatches(t *testing.T) {
	var out bytes.Buffer

	printBatches(&out, []rest.BatchResponse{
		{ID: 1, Title: "Season 1", Status: storage.StatusRunning, Visibility: storage.VisibilityVisible,
			CurrentBytes: 1000, TotalBytes: 2000, Downloads: make([]rest.DownloadResponse, 2)},
		{ID: 2, Title: "secret", Status: storage.StatusPending, Visibility: storage.VisibilityHidden},
		{ID: 3, Title: "Movie", Status: storage.StatusPending, Visibility: storage.VisibilityVisible, TotalBytes: -1},
	})

	got := out.String()
	assert.Contains(t, got, "Season 1")
	assert.Contains(t, got, "1.0 kB / 2.0 kB")
	assert.Contains(t, got, "0 B / ?")
	assert.NotContains(t, got, "secret")
}

func TestAddStoresBatchAndPokesService(t *testing.T) {
	var started bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/start" {
			started = true
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"token":3}`))

			return
		}

		http.NotFound(w, r)
	}))
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "downloads.db")

	err := newApp().Run([]string{"download_manager", "add",
		"--db", dbPath, "--server", srv.URL, "--title", "Docs", "--external",
		"https://example.com/a.pdf", "https://example.com/b.pdf",
	})
	require.NoError(t, err)
	assert.True(t, started)

	db, err := sqlite.InitDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	repo := sqlite.NewDownloadRepository(db)

	batches, err := repo.QueryBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "Docs", batches[0].Title)

	rows, err := repo.QueryDownloads(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, storage.DestinationExternal, rows[0].Destination)
	assert.Equal(t, batches[0].ID, rows[1].BatchID)
}

func TestAddWithoutServiceStillQueues(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "downloads.db")

	err := newApp().Run([]string{"download_manager", "add",
		"--db", dbPath, "--server", "http://127.0.0.1:1", "https://example.com/a.pdf",
	})
	require.NoError(t, err)
}
