// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dashboard

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ClusterCockpit/loglens/internal/event"
	"github.com/ClusterCockpit/loglens/internal/query"
	"github.com/ClusterCockpit/loglens/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HandleIndex_RendersTopSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loglens_dashboard_test.db")
	store, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e, err := event.New(time.Now().UTC(), "ERROR", "payments", "card declined", nil)
	require.NoError(t, err)
	_, err = store.InsertEvent(e)
	require.NoError(t, err)

	srv := NewServer(query.NewFacade(store))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "payments")
}

func TestServer_HandleIndex_EmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loglens_dashboard_empty_test.db")
	store, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(query.NewFacade(store))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No events in range")
}
