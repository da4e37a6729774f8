// Package request defines the synthesis request value type, its
// normalization rules, and the content-addressed cache key derived
// from it. Two requests that are equal after normalization always
// produce the same key.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
)

// Validation errors for synthesis requests.
var (
	ErrEmptyText       = errors.New("request text is empty")
	ErrTextTooLong     = errors.New("request text exceeds maximum length")
	ErrInvalidLanguage = errors.New("invalid language code")
	ErrInvalidTier     = errors.New("invalid voice tier")
	ErrMissingVoice    = errors.New("voice id is required")
	ErrInvalidRate     = errors.New("speaking rate out of range")
	ErrInvalidPitch    = errors.New("pitch out of range")
	ErrInvalidGain     = errors.New("volume gain out of range")
)

// DefaultMaxTextLength is the maximum accepted text length when no
// limit is configured.
const DefaultMaxTextLength = 5000

// Provider-imposed bounds on audio shaping parameters.
const (
	MinSpeakingRate = 0.25
	MaxSpeakingRate = 4.0
	MinPitch        = -20.0
	MaxPitch        = 20.0
	MinVolumeGainDb = -96.0
	MaxVolumeGainDb = 16.0
)

// VoiceTier identifies the pricing tier of a voice.
type VoiceTier string

const (
	TierStandard VoiceTier = "standard"
	TierPremium  VoiceTier = "premium"
	TierNeural   VoiceTier = "neural"
)

// Valid reports whether the tier is one of the known tiers.
func (t VoiceTier) Valid() bool {
	switch t {
	case TierStandard, TierPremium, TierNeural:
		return true
	}
	return false
}

// Request is an immutable synthesis request. Callers should treat a
// Request as a value; the gateway normalizes it before any use.
type Request struct {
	Text         string
	LanguageCode string
	VoiceID      string
	VoiceTier    VoiceTier
	SpeakingRate float64
	Pitch        float64
	VolumeGainDb float64
}

// Normalize returns a copy of the request with canonical field
// representations: whitespace-trimmed text and default speaking rate
// applied. Numeric fields are canonicalized at key-derivation time, so
// "1.0" and "1.00" rates already hash identically.
func (r Request) Normalize() Request {
	n := r
	n.Text = strings.TrimSpace(r.Text)
	n.LanguageCode = strings.TrimSpace(r.LanguageCode)
	n.VoiceID = strings.TrimSpace(r.VoiceID)
	if n.SpeakingRate == 0 {
		n.SpeakingRate = 1.0
	}
	return n
}

// Validate checks the normalized request against local constraints.
// maxTextLength <= 0 falls back to DefaultMaxTextLength.
func (r Request) Validate(maxTextLength int) error {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}

	if r.Text == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(r.Text) > maxTextLength {
		return ErrTextTooLong
	}
	if r.VoiceID == "" {
		return ErrMissingVoice
	}
	if !r.VoiceTier.Valid() {
		return ErrInvalidTier
	}
	if _, err := language.Parse(r.LanguageCode); err != nil {
		return ErrInvalidLanguage
	}
	if r.SpeakingRate < MinSpeakingRate || r.SpeakingRate > MaxSpeakingRate {
		return ErrInvalidRate
	}
	if r.Pitch < MinPitch || r.Pitch > MaxPitch {
		return ErrInvalidPitch
	}
	if r.VolumeGainDb < MinVolumeGainDb || r.VolumeGainDb > MaxVolumeGainDb {
		return ErrInvalidGain
	}
	return nil
}

// CharacterCount returns the number of characters billed for this
// request. The provider bills per character of input text, counted in
// runes, so multibyte text is not billed per byte.
func (r Request) CharacterCount() int {
	return utf8.RuneCountInString(r.Text)
}

// Key derives the content-addressed cache key for the request. The
// request is normalized first, so semantically equal requests always
// produce equal keys. The key is the hex sha256 of the normalized
// field tuple with an unambiguous separator.
func (r Request) Key() string {
	n := r.Normalize()

	var b strings.Builder
	b.WriteString(n.Text)
	b.WriteByte('|')
	b.WriteString(n.LanguageCode)
	b.WriteByte('|')
	b.WriteString(n.VoiceID)
	b.WriteByte('|')
	b.WriteString(string(n.VoiceTier))
	b.WriteByte('|')
	b.WriteString(canonicalFloat(n.SpeakingRate))
	b.WriteByte('|')
	b.WriteString(canonicalFloat(n.Pitch))
	b.WriteByte('|')
	b.WriteString(canonicalFloat(n.VolumeGainDb))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalFloat formats a float with the minimal number of digits
// that round-trips, so 1.0 and 1.00 share one representation.
func canonicalFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
