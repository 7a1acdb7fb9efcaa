package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditya0562/lsm-kv-store/internal/application/service"
	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository"
	"github.com/aditya0562/lsm-kv-store/internal/platform/repository/lsm_tree"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/dbentry"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/replstatus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, err := lsm_tree.OpenEngine(lsm_tree.EngineOptions{
		Dir:        t.TempDir(),
		SyncPolicy: lsm_tree.SyncEveryWrite,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	store := repository.NewLSMTreeRepository(engine)
	entryHandler := dbentry.NewDbEntryHandler(
		service.NewSaveEntryService(store),
		service.NewDeleteEntryService(store),
		service.NewGetEntryService(store),
		service.NewBatchSaveEntriesService(store),
		service.NewReadKeyRangeService(store),
	)
	srv := NewServer(0, entryHandler, replstatus.NewHandler(nil), metrics.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestServer_PutGetDeleteLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/put", `{"key":"user:1","value":"Alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/get/user:1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user:1", body["key"])
	assert.Equal(t, "Alice", body["value"])

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/delete/user:1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/get/user:1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PutNonStringValue(t *testing.T) {
	ts := newTestServer(t)

	// Non-string values are stored as their compact JSON encoding.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/put", `{"key":"obj","value":{"a":1}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/get/obj", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"a":1}`, body["value"].(string))
}

func TestServer_PutValidation(t *testing.T) {
	ts := newTestServer(t)

	for name, payload := range map[string]string{
		"empty key":     `{"key":"","value":"v"}`,
		"missing value": `{"key":"k"}`,
		"null value":    `{"key":"k","value":null}`,
		"not json":      `{{{`,
	} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/put", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}

	// An empty string value is accepted.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/put", `{"key":"k","value":""}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_BatchPutShapes(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/batch-put",
		`{"entries":[{"key":"b:1","value":"1"},{"key":"b:2","value":"2"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/batch-put",
		`{"keys":["b:3","b:4"],"values":["3","4"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/batch-put", `{"entries":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/batch-put", `{"keys":["a"],"values":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/batch-put",
		`{"entries":[{"key":"solo","value":"1"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestServer_Range(t *testing.T) {
	ts := newTestServer(t)
	for i := 1; i <= 30; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/put",
			fmt.Sprintf(`{"key":"rng:%03d","value":"v%d"}`, i, i))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/range?start=rng:005&end=rng:015", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(11), body["count"])
	results := body["results"].([]interface{})
	first := results[0].(map[string]interface{})
	last := results[len(results)-1].(map[string]interface{})
	assert.Equal(t, "rng:005", first["key"])
	assert.Equal(t, "rng:015", last["key"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/range?start=rng:001&end=rng:030&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["count"])

	// limit above what exists returns everything.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/range?start=rng:001&end=rng:030&limit=500", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(30), body["count"])

	// start > end is an empty result, not an error.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/range?start=rng:020&end=rng:010", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/range?start=rng:001&end=rng:030&limit=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/range?start=&end=rng:030", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HealthAndStatusAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Greater(t, body["timestamp"], float64(0))

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/replication/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
