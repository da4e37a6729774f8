package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speakselect/ttsgate/internal/cache"
	"github.com/speakselect/ttsgate/internal/gateway"
	"github.com/speakselect/ttsgate/internal/ledger"
	"github.com/speakselect/ttsgate/internal/pricing"
	"github.com/speakselect/ttsgate/internal/quota"
	"github.com/speakselect/ttsgate/internal/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Synthesize(_ context.Context, req request.Request) (*gateway.ProviderResult, error) {
	return &gateway.ProviderResult{
		Audio:     []byte("stub-audio"),
		Format:    "mp3",
		VoiceName: req.VoiceID,
		VoiceTier: req.VoiceTier,
		Duration:  1500 * time.Millisecond,
	}, nil
}

func newTestRouter(t *testing.T, limits quota.Limits) (*gin.Engine, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rc, err := cache.New(cache.Config{EvictInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	if limits.DailyCharacterLimit == 0 {
		limits = quota.DefaultLimits()
	}
	limiter := quota.NewLimiter(quota.NewMemoryStore(), limits)
	gw := gateway.New(gateway.Config{}, rc, limiter, pricing.NewAccountant(limiter), stubProvider{}, nil)

	srv := NewServer(gw, limiter, rc, ledger.New())
	return srv.Router(), srv
}

func synthBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(synthesizeRequest{
		Text:         "Hello",
		LanguageCode: "en-US",
		VoiceID:      "en-US-Standard-C",
		VoiceTier:    "standard",
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func doSynthesize(router *gin.Engine, t *testing.T, identity string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", synthBody(t))
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServer_Synthesize(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	w := doSynthesize(router, t, "u1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp synthesizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte("stub-audio"), audio)
	assert.Equal(t, "mp3", resp.Format)
	assert.Equal(t, "0.00002", resp.Cost)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.HandleID)
	assert.Equal(t, int64(1500), resp.DurationMs)
}

func TestServer_SecondCallIsCached(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)
	w := doSynthesize(router, t, "u1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp synthesizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, "0", resp.Cost)
}

func TestServer_MissingIdentity(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	w := doSynthesize(router, t, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(gateway.KindInvalidRequest), resp.Kind)
}

func TestServer_RateLimited(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{DailyCharacterLimit: 4, DailyRequestLimit: 10})

	w := doSynthesize(router, t, "u1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(gateway.KindRateLimited), resp.Kind)
	assert.Equal(t, "couldn't play audio", resp.Message)
	assert.Equal(t, string(quota.DenyCharacterLimit), resp.Detail)
}

func TestServer_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", bytes.NewReader([]byte("{not json")))
	req.Header.Set(IdentityHeader, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ReleaseHandle(t *testing.T) {
	router, srv := newTestRouter(t, quota.Limits{})

	w := doSynthesize(router, t, "u1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp synthesizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, srv.tracker.Outstanding())

	rel := httptest.NewRecorder()
	router.ServeHTTP(rel, httptest.NewRequest(http.MethodDelete, "/v1/handles/"+resp.HandleID, nil))
	assert.Equal(t, http.StatusNoContent, rel.Code)
	assert.Equal(t, 0, srv.tracker.Outstanding())

	// Releasing again is a harmless no-op.
	rel = httptest.NewRecorder()
	router.ServeHTTP(rel, httptest.NewRequest(http.MethodDelete, "/v1/handles/"+resp.HandleID, nil))
	assert.Equal(t, http.StatusNoContent, rel.Code)
}

func TestServer_NewSynthesisSupersedesSessionHandle(t *testing.T) {
	router, srv := newTestRouter(t, quota.Limits{})

	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)
	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)

	// The second request replaced the first handle rather than leaking it.
	assert.Equal(t, 1, srv.tracker.Outstanding())
}

func TestServer_LeaksEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/handles/leaks?olderThan=0s", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Acquired    int64         `json:"acquired"`
		Released    int64         `json:"released"`
		Outstanding int           `json:"outstanding"`
		Leaks       []ledger.Info `json:"leaks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Acquired)
	assert.Equal(t, int64(0), resp.Released)
	assert.Equal(t, 1, resp.Outstanding)
	assert.Len(t, resp.Leaks, 1)
}

func TestServer_ConcurrentAcquireLeavesNoOrphanBuffers(t *testing.T) {
	_, srv := newTestRouter(t, quota.Limits{})

	// Many requests for one identity race: each acquisition supersedes
	// the previous handle, and every superseded handle must take its
	// audio buffer with it.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.acquireHandle("u1", []byte("audio"))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, srv.tracker.Outstanding())

	srv.mu.Lock()
	buffers := len(srv.payloads)
	srv.mu.Unlock()
	assert.Equal(t, 1, buffers, "superseded handles left buffers behind")
}

func TestServer_Usage(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Identity       string `json:"identity"`
		CharactersUsed int64  `json:"charactersUsed"`
		RequestsMade   int64  `json:"requestsMade"`
		CostAccrued    string `json:"costAccrued"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.Identity)
	assert.Equal(t, int64(5), resp.CharactersUsed)
	assert.Equal(t, int64(1), resp.RequestsMade)
	assert.Equal(t, "0.00002", resp.CostAccrued)
}

func TestServer_CacheStats(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)
	require.Equal(t, http.StatusOK, doSynthesize(router, t, "u1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries int   `json:"entries"`
		Hits    int64 `json:"hits"`
		Misses  int64 `json:"misses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Entries)
	assert.Equal(t, int64(1), resp.Hits)
	assert.Equal(t, int64(1), resp.Misses)
}

func TestServer_Health(t *testing.T) {
	router, _ := newTestRouter(t, quota.Limits{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
