// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/geoflux/config"
	"github.com/absmach/geoflux/logstorage"
	"github.com/absmach/geoflux/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Region.ID = "r1"
	cfg.Replication.SnapshotFrequency = time.Hour
	cfg.Namespaces = map[string]config.NamespaceConfig{
		"ns": {Regions: []string{"r1", "r2"}},
	}

	m := replication.NewManager(cfg, logstorage.NewMemoryStore(), nil, nil, nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Close() })

	return New(Config{Address: ":0", ShutdownTimeout: time.Second}, m, nil)
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateTopic(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/topics", `{"name":"ns/t","partitions":2}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodPost, "/v1/topics", `{"name":"ns/t"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, s, http.MethodPost, "/v1/topics", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/topics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ns/t")
}

func TestReplicatedSubscriptionEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/topics", `{"name":"ns/t"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = doRequest(t, s, http.MethodPost, "/v1/subscriptions", `{"topic":"ns/t","subscription":"sub"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodPut, "/v1/replicated-subscriptions", `{"topic":"ns/t","subscription":"sub","enabled":true}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/replicated-subscriptions?topic=ns/t&subscription=sub", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ns/t":true}`, w.Body.String())

	w = doRequest(t, s, http.MethodGet, "/v1/replicated-subscriptions?topic=missing&subscription=sub", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplicatedSubscriptionRequiresReplicatedNamespace(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/topics", `{"name":"plain"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = doRequest(t, s, http.MethodPost, "/v1/subscriptions", `{"topic":"plain","subscription":"sub"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodPut, "/v1/replicated-subscriptions", `{"topic":"plain","subscription":"sub","enabled":true}`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/topics", `{"name":"ns/t"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/stats?topic=ns/t", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ns/t")

	w = doRequest(t, s, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnsubscribe(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/topics", `{"name":"ns/t"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = doRequest(t, s, http.MethodPost, "/v1/subscriptions", `{"topic":"ns/t","subscription":"sub"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/v1/subscriptions?topic=ns/t&subscription=sub", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
