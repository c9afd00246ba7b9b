package ltiauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeyRecord is one tool signing key and its validity window.
type KeyRecord struct {
	KID       string
	CreatedAt time.Time
	NotBefore time.Time
	NotAfter  time.Time
	Private   *rsa.PrivateKey
}

func (k KeyRecord) IsActive(now time.Time) bool {
	return !now.Before(k.NotBefore) && now.Before(k.NotAfter)
}

// KeyManager owns the tool's RS256 signing keys. It rotates the active key
// and keeps retired keys in the published set for Overlap.
type KeyManager struct {
	RSAKeyBits       int
	RotationInterval time.Duration
	Overlap          time.Duration
	Now              func() time.Time

	mu   sync.Mutex
	keys []KeyRecord
}

// Sign signs claims with the active key, setting the kid header.
func (km *KeyManager) Sign(ctx context.Context, claims jwt.MapClaims) (string, error) {
	rec, err := km.current()
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = rec.KID
	return tok.SignedString(rec.Private)
}

// PublicSet returns the verification keys as a JWK set.
func (km *KeyManager) PublicSet(ctx context.Context) (jwk.Set, error) {
	if _, err := km.current(); err != nil {
		return nil, err
	}
	km.mu.Lock()
	keys := append([]KeyRecord(nil), km.keys...)
	km.mu.Unlock()

	now := km.now()
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	set := jwk.NewSet()
	for _, k := range keys {
		if now.Before(k.NotBefore) || now.After(k.NotAfter.Add(km.overlap())) {
			continue
		}
		pub, err := jwk.Import(&k.Private.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("keys: import public key: %w", err)
		}
		if err := pub.Set(jwk.KeyIDKey, k.KID); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// SeedRSAKey installs a pre-generated key, typically loaded from disk.
func (km *KeyManager) SeedRSAKey(priv *rsa.PrivateKey, notBefore, notAfter time.Time) (string, error) {
	if priv == nil {
		return "", errors.New("keys: nil rsa key")
	}
	rec := KeyRecord{
		KID:       makeKID(&priv.PublicKey),
		CreatedAt: km.now(),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Private:   priv,
	}
	km.mu.Lock()
	km.keys = append(km.keys, rec)
	km.mu.Unlock()
	return rec.KID, nil
}

// LoadPEMFile seeds the key in path, valid for one rotation interval.
func (km *KeyManager) LoadPEMFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("keys: read %s: %w", path, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(b)
	if err != nil {
		return "", fmt.Errorf("keys: parse %s: %w", path, err)
	}
	now := km.now()
	return km.SeedRSAKey(priv, now, now.Add(km.rotateEvery()))
}

func (km *KeyManager) current() (KeyRecord, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.now()
	for _, k := range km.keys {
		if k.IsActive(now) && now.Add(km.renewBefore()).Before(k.NotAfter) {
			return k, nil
		}
	}
	priv, err := rsa.GenerateKey(rand.Reader, km.rsaBits())
	if err != nil {
		return KeyRecord{}, fmt.Errorf("keys: rsa generate: %w", err)
	}
	rec := KeyRecord{
		KID:       makeKID(&priv.PublicKey),
		CreatedAt: now,
		NotBefore: now,
		NotAfter:  now.Add(km.rotateEvery()),
		Private:   priv,
	}
	km.keys = append(km.keys, rec)
	return rec, nil
}

func (km *KeyManager) now() time.Time {
	if km.Now != nil {
		return km.Now()
	}
	return time.Now().UTC()
}

func (km *KeyManager) rsaBits() int {
	if km.RSAKeyBits <= 0 {
		return 2048
	}
	return km.RSAKeyBits
}

func (km *KeyManager) rotateEvery() time.Duration {
	if km.RotationInterval <= 0 {
		return 90 * 24 * time.Hour
	}
	return km.RotationInterval
}

func (km *KeyManager) overlap() time.Duration {
	if km.Overlap <= 0 {
		return 7 * 24 * time.Hour
	}
	return km.Overlap
}

// renewBefore is how long before expiry a replacement key is minted.
func (km *KeyManager) renewBefore() time.Duration {
	if d := km.rotateEvery() / 4; d < km.overlap() {
		return d
	}
	return km.overlap()
}

func makeKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	return "rsa-" + hex.EncodeToString(h.Sum(nil)[:8])
}
