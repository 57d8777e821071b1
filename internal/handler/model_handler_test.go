package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/client"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/codec"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/service"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/blobstore"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

// origin serves compressed model blobs. Paths listed in hold block until
// released or the client goes away.
type origin struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	hold    map[string]chan struct{}
	entered chan string
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	data, ok := o.blobs[r.URL.Path]
	gate := o.hold[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet && gate != nil {
		o.entered <- r.URL.Path
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
}

type apiFixture struct {
	api    *httptest.Server
	origin *origin
	srv    *httptest.Server
	codecs *codec.Registry
	mgr    *service.ModelManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	o := &origin{
		blobs:   make(map[string][]byte),
		hold:    make(map[string]chan struct{}),
		entered: make(chan string, 16),
	}
	originSrv := httptest.NewServer(o)

	backend, err := blobstore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	codecs := codec.NewRegistry(codec.Options{})
	storage, err := service.NewStorageService(&service.StorageConfig{MaxModels: 10, CleanupThreshold: 0.9},
		backend, codecs, nil, nil, zap.NewNop())
	require.NoError(t, err)

	hot := service.NewHotCacheService(&service.HotCacheConfig{MaxBytes: 1 << 20}, nil, zap.NewNop())
	downloader := client.NewHTTPDownloader(&client.HTTPDownloaderConfig{
		Timeout:       5 * time.Second,
		RetryInterval: time.Millisecond,
		UserAgent:     "modelcache-test",
	}, nil, zap.NewNop())

	mgr := service.NewModelManager(&service.ManagerConfig{MaxConcurrentLoads: 2}, storage, hot, codecs,
		downloader, nil, client.StaticHealth{Score: 1}, nil, zap.NewNop())

	api := httptest.NewServer(NewModelHandler(mgr, zap.NewNop()).Router())

	t.Cleanup(func() {
		o.mu.Lock()
		for path, gate := range o.hold {
			close(gate)
			delete(o.hold, path)
		}
		o.mu.Unlock()
		api.Close()
		_ = mgr.Close()
		originSrv.Close()
	})

	return &apiFixture{api: api, origin: o, srv: originSrv, codecs: codecs, mgr: mgr}
}

// publish gzips data onto the origin and returns a matching request body
func (f *apiFixture) publish(t *testing.T, path, version string, data []byte) LoadModelRequest {
	t.Helper()
	compressed, err := f.codecs.Compress(codec.TypeGzip, data)
	require.NoError(t, err)

	f.origin.mu.Lock()
	f.origin.blobs[path] = compressed
	f.origin.mu.Unlock()

	return LoadModelRequest{
		URL:             f.srv.URL + path,
		Version:         version,
		CompressionType: codec.TypeGzip,
		Checksum:        util.ComputeChecksum(data),
	}
}

func (f *apiFixture) hold(path string) {
	f.origin.mu.Lock()
	f.origin.hold[path] = make(chan struct{})
	f.origin.mu.Unlock()
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.api.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.api.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestModelHandler_LoadThenServeFromCache(t *testing.T) {
	f := newAPIFixture(t)
	data := []byte(strings.Repeat("layer ", 1000))
	body := f.publish(t, "/encoder/v1", "v1", data)

	resp := f.post(t, "/v1/models/encoder/load", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var result model.LoadResult
	decode(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "encoder", result.ModelID)
	assert.Equal(t, model.LoadSourceNetworkFull, result.Source)
	assert.NotEmpty(t, result.SessionID)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, "v1", result.Metadata.Version)
	assert.Empty(t, result.Data, "payload never crosses the API")

	resp = f.post(t, "/v1/models/encoder/load", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &result)
	assert.Equal(t, model.LoadSourceCache, result.Source)

	var stats model.ManagerStatistics
	decode(t, f.get(t, "/v1/stats"), &stats)
	assert.Equal(t, int64(2), stats.TotalLoads)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, stats.TotalModels)

	var storage model.StorageStatistics
	resp = f.get(t, "/v1/storage")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &storage)

	var sessions []model.ModelSession
	decode(t, f.get(t, "/v1/sessions"), &sessions)
	require.Len(t, sessions, 2)
	assert.Equal(t, model.SessionCompleted, sessions[0].Status)
}

func TestModelHandler_RequestErrors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name     string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown field",
			path:     "/v1/models/m/load",
			body:     map[string]string{"uri": "http://x/y"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_argument",
		},
		{
			name:     "bad url scheme",
			path:     "/v1/models/m/load",
			body:     LoadModelRequest{URL: "ftp://models/m"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_argument",
		},
		{
			name:     "pin unknown model",
			path:     "/v1/models/ghost/pin",
			wantCode: http.StatusNotFound,
			wantErr:  "not_found",
		},
		{
			name:     "cancel with nothing in flight",
			path:     "/v1/models/ghost/cancel",
			wantCode: http.StatusNotFound,
			wantErr:  "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			var errResp ErrorResponse
			decode(t, resp, &errResp)
			assert.Equal(t, tt.wantErr, errResp.Code)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestModelHandler_NetworkFailureCarriesSession(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/models/m/load", LoadModelRequest{URL: f.srv.URL + "/missing"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var result model.LoadResult
	decode(t, resp, &result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, model.StageNetwork, result.Stage)
	assert.NotEmpty(t, result.ErrorMessage)

	var reports []model.ErrorReport
	decode(t, f.get(t, "/v1/errors"), &reports)
	require.Len(t, reports, 1)
	assert.Equal(t, "m", reports[0].ModelID)
	assert.Equal(t, result.SessionID, reports[0].SessionID)
}

func TestModelHandler_DuplicateAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	body := f.publish(t, "/slow/v1", "v1", []byte("slow weights"))
	f.hold("/slow/v1")

	first := make(chan *http.Response, 1)
	go func() {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		resp, err := http.Post(f.api.URL+"/v1/models/slow/load", "application/json", &buf)
		if err == nil {
			first <- resp
		}
		close(first)
	}()

	select {
	case <-f.origin.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	resp := f.post(t, "/v1/models/slow/load", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp ErrorResponse
	decode(t, resp, &errResp)
	assert.Equal(t, "duplicate_load", errResp.Code)

	resp = f.post(t, "/v1/models/slow/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case r, ok := <-first:
		require.True(t, ok)
		defer r.Body.Close()
		assert.Equal(t, 499, r.StatusCode)
		var result model.LoadResult
		decode(t, r, &result)
		assert.False(t, result.Success)
		assert.NotEmpty(t, result.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled load did not return")
	}

	var reports []model.ErrorReport
	decode(t, f.get(t, "/v1/errors"), &reports)
	assert.Empty(t, reports, "cancellation and contention are not errors")
}

func TestModelHandler_PinUnloadDelete(t *testing.T) {
	f := newAPIFixture(t)
	body := f.publish(t, "/m/v1", "v1", []byte("weights"))
	require.Equal(t, http.StatusOK, f.post(t, "/v1/models/m/load", body).StatusCode)

	resp := f.post(t, "/v1/models/m/pin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.StorageStatistics
	decode(t, f.get(t, "/v1/storage"), &stats)
	assert.Equal(t, 1, stats.PinnedModels)

	assert.Equal(t, http.StatusOK, f.post(t, "/v1/models/m/unpin", nil).StatusCode)

	req, err := http.NewRequest(http.MethodDelete, f.api.URL+"/v1/models/m", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var unloaded map[string]interface{}
	decode(t, resp, &unloaded)
	assert.Equal(t, true, unloaded["unloaded"])

	req, err = http.NewRequest(http.MethodDelete, f.api.URL+"/v1/models/m/cache", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var deleted map[string]interface{}
	decode(t, resp2, &deleted)
	assert.Equal(t, true, deleted["deleted"])

	decode(t, f.get(t, "/v1/storage"), &stats)
	assert.Equal(t, 0, stats.TotalModels)
}

func TestModelHandler_EventStream(t *testing.T) {
	f := newAPIFixture(t)
	body := f.publish(t, "/streamed/v1", "v1", []byte("weights"))

	wsURL := "ws" + strings.TrimPrefix(f.api.URL, "http") + "/v1/events?model=streamed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// another model's events are filtered out
	other := f.publish(t, "/other/v1", "v1", []byte("other"))
	require.Equal(t, http.StatusOK, f.post(t, "/v1/models/other/load", other).StatusCode)
	require.Equal(t, http.StatusOK, f.post(t, "/v1/models/streamed/load", body).StatusCode)

	var statuses []model.SessionStatus
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(statuses) < 4 {
		var ev model.LoadStatusEvent
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "streamed", ev.ModelID)
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []model.SessionStatus{
		model.SessionIdle,
		model.SessionInitializing,
		model.SessionLoading,
		model.SessionCompleted,
	}, statuses)
}

func TestModelHandler_Unrouted(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.get(t, "/v1/models/m/load")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
