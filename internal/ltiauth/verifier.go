package ltiauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeyResolver returns the verification key for a platform token.
type KeyResolver interface {
	Key(ctx context.Context, keySetURL string, token *jwt.Token) (any, error)
}

// JWKSResolver fetches and caches platform key sets by URL.
type JWKSResolver struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]bool
}

func NewJWKSResolver(ctx context.Context, httpClient *http.Client) (*JWKSResolver, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("jwks cache: %w", err)
	}
	return &JWKSResolver{cache: cache, registered: map[string]bool{}}, nil
}

func (r *JWKSResolver) ensureRegistered(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[url] {
		return nil
	}
	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.cache.Register(regCtx, url); err != nil {
		return fmt.Errorf("register key set %s: %w", url, err)
	}
	r.registered[url] = true
	return nil
}

func (r *JWKSResolver) Key(ctx context.Context, keySetURL string, token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}
	if err := r.ensureRegistered(ctx, keySetURL); err != nil {
		return nil, err
	}
	set, err := r.cache.Lookup(ctx, keySetURL)
	if err != nil {
		return nil, fmt.Errorf("lookup key set: %w", err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		// platform may have rotated since the last fetch
		if set, err = r.cache.Refresh(ctx, keySetURL); err != nil {
			return nil, fmt.Errorf("refresh key set: %w", err)
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key ID %s not found in key set", kid)
		}
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key: %w", err)
	}
	return raw, nil
}
