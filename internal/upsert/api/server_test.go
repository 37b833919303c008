// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// flakyStore fails or blocks existence checks on demand.
type flakyStore struct {
	*core.MemoryStore
	getErr   error
	blockGet bool
}

func (f *flakyStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	if f.blockGet {
		<-ctx.Done()
		return nil, core.Connectivity("get", ctx.Err())
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

func newTestServer(t *testing.T, store core.StoreClient) *httptest.Server {
	t.Helper()
	svc, err := core.NewService(store, core.Options{})
	require.NoError(t, err)
	mux := http.NewServeMux()
	NewServer(svc, core.Options{}, nil).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, body string) (int, []byte) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+"/upsert", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestServer_Upsert_OK(t *testing.T) {
	store := core.NewMemoryStore(25)
	store.Seed(kvupsert.Record{Key: "001", Value: json.RawMessage(`"old"`)})
	ts := newTestServer(t, store)

	status, body := post(t, ts, `{"records":[{"key":"001","value":"example1"},{"key":"002","value":"example2"}]}`)
	require.Equal(t, http.StatusOK, status, string(body))

	var res core.UpsertResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, []string{"002"}, res.WrittenKeys)
	assert.Equal(t, []string{"001"}, res.SkippedKeys)
	assert.NotEmpty(t, res.CallID)

	got, err := store.Get(context.Background(), "001")
	require.NoError(t, err)
	assert.Equal(t, `"old"`, string(got.Value))
}

func TestServer_Upsert_BadRequests(t *testing.T) {
	ts := newTestServer(t, core.NewMemoryStore(25))
	cases := []struct {
		name string
		body string
		kind string
	}{
		{"malformed json", `{"records":[`, "bad_request"},
		{"unknown policy", `{"records":[{"key":"a"}],"options":{"existence_policy":"sometimes"}}`, "bad_request"},
		{"bad timeout", `{"records":[{"key":"a"}],"options":{"timeout":"soon"}}`, "bad_request"},
		{"batch too large", `{"records":[{"key":"a"}],"options":{"batch_size":26}}`, "bad_request"},
		{"empty key", `{"records":[{"key":"a"},{"key":""}]}`, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := post(t, ts, tc.body)
			assert.Equal(t, http.StatusBadRequest, status, string(body))
			var er ErrorResponse
			require.NoError(t, json.Unmarshal(body, &er))
			assert.Equal(t, tc.kind, er.Kind)
			if tc.kind == "validation" {
				require.NotNil(t, er.Index)
				assert.Equal(t, 1, *er.Index)
			}
		})
	}
}

func TestServer_Upsert_ValidationReport(t *testing.T) {
	ts := newTestServer(t, core.NewMemoryStore(25))
	status, body := post(t, ts, `{"records":[{"key":"a"},{"key":""}],"options":{"validation_policy":"report"}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	var res core.UpsertResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Failed)
}

func TestServer_Upsert_CheckPhaseFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: core.NewMemoryStore(25), getErr: core.Connectivity("get", errors.New("connection refused"))}
	ts := newTestServer(t, store)

	status, body := post(t, ts, `{"records":[{"key":"a"}]}`)
	assert.Equal(t, http.StatusBadGateway, status, string(body))
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, "check_phase", er.Kind)
	assert.Equal(t, "a", er.Key)
	assert.Equal(t, 0, store.Len(), "nothing written after a failed check")
}

func TestServer_Upsert_Timeout(t *testing.T) {
	store := &flakyStore{MemoryStore: core.NewMemoryStore(25), blockGet: true}
	ts := newTestServer(t, store)

	status, body := post(t, ts, `{"records":[{"key":"a"}],"options":{"timeout":"20ms"}}`)
	assert.Equal(t, http.StatusGatewayTimeout, status, string(body))
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t, core.NewMemoryStore(25))
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))

	resp2, err := ts.Client().Get(ts.URL + "/upsert")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestOptionsOverride_Apply(t *testing.T) {
	base := core.Options{BatchSize: 10, Timeout: time.Second}
	var nilOverride *OptionsOverride
	got, err := nilOverride.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	bs, off := 5, true
	got, err = (&OptionsOverride{
		BatchSize:        &bs,
		DisableBatching:  &off,
		ExistencePolicy:  "best-effort",
		ValidationPolicy: "report",
		Timeout:          "2s",
	}).Apply(base)
	require.NoError(t, err)
	assert.Equal(t, 5, got.BatchSize)
	assert.True(t, got.DisableBatching)
	assert.Equal(t, core.BestEffort, got.ExistencePolicy)
	assert.Equal(t, core.ValidationReport, got.ValidationPolicy)
	assert.Equal(t, 2*time.Second, got.Timeout)
}

func TestServer_ListenAndServe(t *testing.T) {
	svc, err := core.NewService(core.NewMemoryStore(25), core.Options{})
	require.NoError(t, err)
	srv := NewServer(svc, core.Options{}, nil)

	assert.Error(t, srv.ListenAndServe(context.Background(), "127.0.0.1:notaport", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
