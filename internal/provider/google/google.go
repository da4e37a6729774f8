// Package google implements the synthesis provider against the Google
// Cloud Text-to-Speech REST API.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/speakselect/ttsgate/internal/gateway"
	"github.com/speakselect/ttsgate/internal/request"
)

// DefaultEndpoint is the REST synthesis endpoint.
const DefaultEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"

type synthRequest struct {
	Input       synthInput       `json:"input"`
	Voice       synthVoice       `json:"voice"`
	AudioConfig synthAudioConfig `json:"audioConfig"`
}

type synthInput struct {
	Text string `json:"text"`
}

type synthVoice struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type synthAudioConfig struct {
	AudioEncoding   string  `json:"audioEncoding"`
	SampleRateHertz int     `json:"sampleRateHertz,omitempty"`
	SpeakingRate    float64 `json:"speakingRate,omitempty"`
	Pitch           float64 `json:"pitch,omitempty"`
	VolumeGainDb    float64 `json:"volumeGainDb,omitempty"`
}

type synthResponse struct {
	AudioContent string `json:"audioContent"` // base64-encoded
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Config holds client settings.
type Config struct {
	APIKey string

	// Endpoint overrides DefaultEndpoint, mainly for tests.
	Endpoint string

	// AudioEncoding is the requested output format (default MP3).
	AudioEncoding string

	// SampleRateHertz applies to PCM encodings (default 24000).
	SampleRateHertz int

	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
}

// Client is a gateway.Provider backed by the Google TTS REST API.
type Client struct {
	cfg Config
}

// New creates a client. The API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google tts: api key required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.AudioEncoding == "" {
		cfg.AudioEncoding = "MP3"
	}
	if cfg.SampleRateHertz == 0 {
		cfg.SampleRateHertz = 24000
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}, nil
}

// Synthesize implements gateway.Provider.
func (c *Client) Synthesize(ctx context.Context, req request.Request) (*gateway.ProviderResult, error) {
	body := synthRequest{
		Input: synthInput{Text: req.Text},
		Voice: synthVoice{
			LanguageCode: req.LanguageCode,
			Name:         req.VoiceID,
		},
		AudioConfig: synthAudioConfig{
			AudioEncoding:   c.cfg.AudioEncoding,
			SampleRateHertz: c.cfg.SampleRateHertz,
			SpeakingRate:    req.SpeakingRate,
			Pitch:           req.Pitch,
			VolumeGainDb:    req.VolumeGainDb,
		},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("google tts: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Endpoint+"?key="+c.cfg.APIKey, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("google tts: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("google tts: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("google tts: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		message := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return nil, &gateway.UpstreamError{StatusCode: resp.StatusCode, Message: message}
	}

	var synth synthResponse
	if err := json.Unmarshal(payload, &synth); err != nil {
		return nil, fmt.Errorf("google tts: decode response: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(synth.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("google tts: decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, &gateway.UpstreamError{StatusCode: resp.StatusCode, Message: "empty audio content"}
	}

	return &gateway.ProviderResult{
		Audio:     audio,
		Format:    strings.ToLower(c.cfg.AudioEncoding),
		VoiceName: req.VoiceID,
		VoiceTier: TierForVoice(req.VoiceID, req.VoiceTier),
		Duration:  c.estimateDuration(audio),
	}, nil
}

// TierForVoice infers the billing tier from the voice family in the
// voice name, falling back to the requested tier for unfamiliar names.
func TierForVoice(voiceName string, requested request.VoiceTier) request.VoiceTier {
	name := strings.ToLower(voiceName)
	switch {
	case strings.Contains(name, "standard"):
		return request.TierStandard
	case strings.Contains(name, "neural"):
		return request.TierNeural
	case strings.Contains(name, "wavenet"), strings.Contains(name, "studio"):
		return request.TierPremium
	default:
		return requested
	}
}

// estimateDuration derives playback length for PCM output. Compressed
// encodings report zero; the extension measures those client-side.
func (c *Client) estimateDuration(audio []byte) time.Duration {
	if !strings.EqualFold(c.cfg.AudioEncoding, "LINEAR16") || c.cfg.SampleRateHertz <= 0 {
		return 0
	}
	// LINEAR16 is 2 bytes per sample, mono.
	samples := len(audio) / 2
	return time.Duration(samples) * time.Second / time.Duration(c.cfg.SampleRateHertz)
}
