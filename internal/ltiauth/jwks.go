package ltiauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeySetProvider yields the public keys platforms use to verify tool JWTs.
type KeySetProvider interface {
	PublicSet(ctx context.Context) (jwk.Set, error)
}

// JWKSHandler serves the tool key set with caching headers.
type JWKSHandler struct {
	Provider    KeySetProvider
	CacheMaxAge time.Duration
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	set, err := h.Provider.PublicSet(r.Context())
	if err != nil {
		http.Error(w, "jwks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	maxAge := h.CacheMaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	sum := sha256.Sum256(payload)
	etag := `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
