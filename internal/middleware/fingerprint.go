package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ocx/sentinel/internal/detect"
)

// FingerprintEndpoint is where the client-side probe posts its factors.
const FingerprintEndpoint = "/api/v1/bot-detection/client-fingerprint"

// SignatureHeader carries the signature the probe is reporting for.
const SignatureHeader = "X-Signature-Id"

const (
	fingerprintTTL     = 24 * time.Hour
	maxFingerprintBody = 16 << 10
)

// fingerprintPayload is the probe's wire format.
type fingerprintPayload struct {
	CanvasHash string   `json:"canvas_hash"`
	WebglHash  string   `json:"webgl_hash"`
	AudioHash  string   `json:"audio_hash"`
	Plugins    []string `json:"plugins"`
	Fonts      []string `json:"fonts"`
}

// FingerprintStore keeps learned client-side factors per signature. It
// implements detect.FingerprintReader.
type FingerprintStore struct {
	cache  *gocache.Cache
	logger *log.Logger
}

func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{
		cache:  gocache.New(fingerprintTTL, 10*time.Minute),
		logger: log.New(log.Writer(), "[FINGERPRINT] ", log.LstdFlags),
	}
}

// Fingerprint implements detect.FingerprintReader.
func (s *FingerprintStore) Fingerprint(signature string) (detect.Fingerprint, bool) {
	v, ok := s.cache.Get(signature)
	if !ok {
		return detect.Fingerprint{}, false
	}
	return v.(detect.Fingerprint), true
}

// Put stores factors for a signature, refreshing its TTL.
func (s *FingerprintStore) Put(signature string, fp detect.Fingerprint) {
	s.cache.Set(signature, fp, gocache.DefaultExpiration)
}

// Handler accepts the probe callback. The signature is taken from the
// header, never from the body, so a probe cannot report for a client it
// is not.
func (s *FingerprintStore) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sig := r.Header.Get(SignatureHeader)
		if len(sig) != 16 {
			http.Error(w, "missing or malformed "+SignatureHeader, http.StatusBadRequest)
			return
		}

		var payload fingerprintPayload
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFingerprintBody))
		if err := dec.Decode(&payload); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		s.Put(sig, detect.Fingerprint{
			CanvasHash: payload.CanvasHash,
			WebglHash:  payload.WebglHash,
			AudioHash:  payload.AudioHash,
			Plugins:    payload.Plugins,
			Fonts:      payload.Fonts,
			LearnedAt:  time.Now(),
		})
		fingerprintsLearned.Inc()
		w.WriteHeader(http.StatusNoContent)
	}
}

// Stats exposes counters for operators.
func (s *FingerprintStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"signatures": s.cache.ItemCount(),
	}
}
