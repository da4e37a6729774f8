// Package api exposes the synthesis gateway over HTTP for the
// extension to call. Identity arrives as an opaque header supplied by
// the identity service; the server trusts it as-is.
package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/speakselect/ttsgate/internal/cache"
	"github.com/speakselect/ttsgate/internal/gateway"
	"github.com/speakselect/ttsgate/internal/ledger"
	"github.com/speakselect/ttsgate/internal/quota"
	"github.com/speakselect/ttsgate/internal/request"
)

// IdentityHeader carries the opaque quota-bearing principal.
const IdentityHeader = "X-Identity"

// Server routes extension traffic to the gateway and manages the
// playback handles attached to returned audio.
type Server struct {
	gw      *gateway.Gateway
	limiter *quota.Limiter
	cache   *cache.ResponseCache
	tracker *ledger.Ledger

	// payloads holds the revocable audio buffer behind each live
	// handle; releasing the handle revokes the buffer.
	mu       sync.Mutex
	payloads map[string][]byte
}

// NewServer wires the HTTP layer.
func NewServer(gw *gateway.Gateway, limiter *quota.Limiter, rc *cache.ResponseCache, tracker *ledger.Ledger) *Server {
	return &Server{
		gw:       gw,
		limiter:  limiter,
		cache:    rc,
		tracker:  tracker,
		payloads: make(map[string][]byte),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	{
		v1.POST("/synthesize", s.handleSynthesize)
		v1.DELETE("/handles/:id", s.handleRelease)
		v1.GET("/handles/leaks", s.handleLeaks)
		v1.GET("/usage/:identity", s.handleUsage)
		v1.GET("/cache/stats", s.handleCacheStats)
	}

	return r
}

type synthesizeRequest struct {
	Text         string  `json:"text"`
	LanguageCode string  `json:"languageCode"`
	VoiceID      string  `json:"voiceId"`
	VoiceTier    string  `json:"voiceTier"`
	SpeakingRate float64 `json:"speakingRate"`
	Pitch        float64 `json:"pitch"`
	VolumeGainDb float64 `json:"volumeGainDb"`
}

type synthesizeResponse struct {
	Audio      string `json:"audio"` // base64
	Format     string `json:"format"`
	VoiceName  string `json:"voiceName"`
	VoiceTier  string `json:"voiceTier"`
	DurationMs int64  `json:"durationMs"`
	Cost       string `json:"cost"`
	Cached     bool   `json:"cached"`
	HandleID   string `json:"handleId"`
}

type errorResponse struct {
	// Message is the user-facing text; Kind is machine-readable for
	// telemetry.
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) handleSynthesize(c *gin.Context) {
	identity := c.GetHeader(IdentityHeader)
	if identity == "" {
		c.JSON(http.StatusBadRequest, errorResponse{
			Message: "missing identity",
			Kind:    string(gateway.KindInvalidRequest),
		})
		return
	}

	var body synthesizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Message: "couldn't play audio",
			Kind:    string(gateway.KindInvalidRequest),
		})
		return
	}

	req := request.Request{
		Text:         body.Text,
		LanguageCode: body.LanguageCode,
		VoiceID:      body.VoiceID,
		VoiceTier:    request.VoiceTier(body.VoiceTier),
		SpeakingRate: body.SpeakingRate,
		Pitch:        body.Pitch,
		VolumeGainDb: body.VolumeGainDb,
	}

	result, err := s.gw.Synthesize(c.Request.Context(), req, identity)
	if err != nil {
		s.writeError(c, err)
		return
	}

	handle := s.acquireHandle(identity, result.Payload)

	c.JSON(http.StatusOK, synthesizeResponse{
		Audio:      base64.StdEncoding.EncodeToString(result.Payload),
		Format:     result.Format,
		VoiceName:  result.VoiceName,
		VoiceTier:  string(result.VoiceTier),
		DurationMs: result.Duration.Milliseconds(),
		Cost:       result.Cost.String(),
		Cached:     result.Cached,
		HandleID:   handle.ID(),
	})
}

// acquireHandle registers the returned payload as a revocable buffer.
// Acquiring for a session that already holds audio releases the
// previous buffer first.
func (s *Server) acquireHandle(identity string, payload []byte) *ledger.Handle {
	var handle *ledger.Handle
	handle = s.tracker.Acquire(identity, func() {
		s.mu.Lock()
		delete(s.payloads, handle.ID())
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.payloads[handle.ID()] = payload
	s.mu.Unlock()

	// A concurrent request for the same identity can supersede this
	// handle before the insert above lands, in which case the release
	// callback found nothing to delete. Re-check and drop the buffer so
	// it cannot outlive its handle.
	if handle.Released() {
		s.mu.Lock()
		delete(s.payloads, handle.ID())
		s.mu.Unlock()
	}

	return handle
}

func (s *Server) handleRelease(c *gin.Context) {
	// Releasing an unknown or already-released handle is a no-op; the
	// ledger owns the exactly-once reclamation semantics.
	s.tracker.ReleaseByID(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleLeaks(c *gin.Context) {
	olderThan := time.Minute
	if raw := c.Query("olderThan"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			olderThan = d
		}
	}

	stats := s.tracker.Stats()
	c.JSON(http.StatusOK, gin.H{
		"acquired":    stats.Acquired,
		"released":    stats.Released,
		"outstanding": stats.Outstanding,
		"leaks":       s.tracker.Audit(olderThan),
	})
}

func (s *Server) handleUsage(c *gin.Context) {
	identity := c.Param("identity")
	day := c.DefaultQuery("day", quota.Day(time.Now()))

	counter, err := s.limiter.Usage(c.Request.Context(), identity, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{
			Message: "usage unavailable",
			Kind:    "internal",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":       identity,
		"day":            day,
		"charactersUsed": counter.CharactersUsed,
		"requestsMade":   counter.RequestsMade,
		"costAccrued":    counter.CostAccrued.String(),
	})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	stats := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"entries":   stats.Entries,
		"bytes":     stats.Bytes,
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"expired":   stats.Expired,
		"evictions": stats.Evictions,
		"hitRate":   stats.HitRate(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps gateway error kinds onto HTTP statuses. Clients get
// a stable user-facing message plus the machine-readable kind.
func (s *Server) writeError(c *gin.Context, err error) {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		log.Error("unclassified synthesis failure", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{
			Message: "couldn't play audio",
			Kind:    "internal",
		})
		return
	}

	status := http.StatusInternalServerError
	switch ge.Kind {
	case gateway.KindInvalidRequest:
		status = http.StatusBadRequest
	case gateway.KindRateLimited:
		status = http.StatusTooManyRequests
	case gateway.KindProvider:
		status = http.StatusBadGateway
	}

	c.JSON(status, errorResponse{
		Message: "couldn't play audio",
		Kind:    string(ge.Kind),
		Detail:  ge.Detail,
	})
}
