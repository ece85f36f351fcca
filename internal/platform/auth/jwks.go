package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	jwksTTL = 5 * time.Minute
	// Refetches, whether for an unknown kid or an expired set, happen at
	// most this often.
	jwksMinRefresh = 30 * time.Second
)

// jwk holds the members of a JSON Web Key used for RS256 verification.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// rsaKeySet caches the identity provider's RS256 signing keys by kid.
type rsaKeySet struct {
	url    string
	issuer string
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time
}

// newRSAKeySet serves keys from url, or from the jwks_uri in the issuer's
// discovery document when url is empty.
func newRSAKeySet(url, issuer string) *rsaKeySet {
	return &rsaKeySet{
		url:    url,
		issuer: issuer,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (s *rsaKeySet) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	return s.key(kid)
}

func (s *rsaKeySet) key(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key, ok := s.keys[kid]
	if ok && now.Sub(s.fetchedAt) < jwksTTL {
		return key, nil
	}
	if now.Sub(s.attemptedAt) >= jwksMinRefresh {
		s.attemptedAt = now
		if err := s.refresh(); err != nil {
			if !ok {
				return nil, err
			}
			// The stale key keeps verifying while the provider is down.
		} else {
			key, ok = s.keys[kid]
		}
	}
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

// refresh replaces the cached keys. Callers hold s.mu.
func (s *rsaKeySet) refresh() error {
	if s.url == "" {
		if s.issuer == "" {
			return errors.New("no JWKS URL or issuer configured")
		}
		provider, err := NewOIDCProvider(s.issuer)
		if err != nil {
			return err
		}
		s.url = provider.JWKSURI
	}

	resp, err := s.client.Get(s.url)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if pub, err := k.rs256Key(); err == nil {
			keys[k.Kid] = pub
		}
	}
	if len(keys) == 0 {
		return errors.New("JWKS has no usable RS256 signing keys")
	}

	s.keys = keys
	s.fetchedAt = s.now()
	return nil
}

// rs256Key returns the public key if k is an RSA signing key usable for RS256.
func (k jwk) rs256Key() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" || k.Kid == "" {
		return nil, fmt.Errorf("not an identifiable RSA key")
	}
	if k.Use != "" && k.Use != "sig" {
		return nil, fmt.Errorf("key %s is for %q", k.Kid, k.Use)
	}
	if k.Alg != "" && k.Alg != jwt.SigningMethodRS256.Alg() {
		return nil, fmt.Errorf("key %s is for %s", k.Kid, k.Alg)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("key %s: bad modulus", k.Kid)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("key %s: bad exponent", k.Kid)
	}
	exp := new(big.Int).SetBytes(e).Int64()
	if exp < 3 {
		return nil, fmt.Errorf("key %s: bad exponent", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp)}, nil
}
