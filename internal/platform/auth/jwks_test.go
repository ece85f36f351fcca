package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func jwkFor(kid string, pub *rsa.PublicKey) jwk {
	return jwk{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

// jwksServer serves a replaceable key set and counts fetches.
type jwksServer struct {
	*httptest.Server
	hits atomic.Int32

	mu     sync.Mutex
	keys   []jwk
	status int
}

func serveJWKS(t *testing.T, keys ...jwk) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != http.StatusOK {
			w.WriteHeader(s.status)
			return
		}
		_ = json.NewEncoder(w).Encode(jwkSet{Keys: s.keys})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) set(status int, keys ...jwk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.keys = keys
}

// newTestKeySet returns a key set driven by the returned clock.
func newTestKeySet(url string) (*rsaKeySet, *time.Time) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := newRSAKeySet(url, "")
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRSAKeySet_KeepsOnlyRS256SigningKeys(t *testing.T) {
	pub := &newTestRSAKey(t).PublicKey

	enc := jwkFor("enc", pub)
	enc.Use = "enc"
	ps := jwkFor("ps", pub)
	ps.Alg = "PS256"
	ec := jwkFor("ec", pub)
	ec.Kty = "EC"
	noKid := jwkFor("", pub)
	badExp := jwkFor("bad-exp", pub)
	badExp.E = "AQ"
	bare := jwkFor("bare", pub)
	bare.Use, bare.Alg = "", ""

	srv := serveJWKS(t, jwkFor("good", pub), enc, ps, ec, noKid, badExp, bare)
	keys, _ := newTestKeySet(srv.URL)

	for _, kid := range []string{"good", "bare"} {
		got, err := keys.key(kid)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", kid, err)
		}
		if got.N.Cmp(pub.N) != 0 || got.E != pub.E {
			t.Errorf("%s: key does not match the published key", kid)
		}
	}
	for _, kid := range []string{"enc", "ps", "ec", "bad-exp"} {
		if _, err := keys.key(kid); err == nil {
			t.Errorf("%s: expected the key to be ignored", kid)
		}
	}
	if len(keys.keys) != 2 {
		t.Errorf("expected 2 cached keys, got %d", len(keys.keys))
	}
}

func TestRSAKeySet_NoUsableKeys(t *testing.T) {
	ec := jwkFor("ec", &newTestRSAKey(t).PublicKey)
	ec.Kty = "EC"
	srv := serveJWKS(t, ec)
	keys, _ := newTestKeySet(srv.URL)

	if _, err := keys.key("ec"); err == nil {
		t.Fatal("expected an error for a set without RSA signing keys")
	}
}

func TestRSAKeySet_UnknownKidRefetchIsThrottled(t *testing.T) {
	k1, k2 := newTestRSAKey(t), newTestRSAKey(t)
	srv := serveJWKS(t, jwkFor("k1", &k1.PublicKey))
	keys, now := newTestKeySet(srv.URL)

	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("k1: %v", err)
	}
	srv.set(http.StatusOK, jwkFor("k1", &k1.PublicKey), jwkFor("k2", &k2.PublicKey))

	for i := 0; i < 3; i++ {
		if _, err := keys.key("k2"); err == nil {
			t.Fatal("expected k2 to be unknown before the refetch window")
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected 1 fetch within the window, got %d", got)
	}

	*now = now.Add(jwksMinRefresh)
	if _, err := keys.key("k2"); err != nil {
		t.Fatalf("expected rotated key after the window, got %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Errorf("expected 2 fetches, got %d", got)
	}
}

func TestRSAKeySet_RefreshesAfterTTL(t *testing.T) {
	k1, k2 := newTestRSAKey(t), newTestRSAKey(t)
	srv := serveJWKS(t, jwkFor("k1", &k1.PublicKey))
	keys, now := newTestKeySet(srv.URL)

	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("k1: %v", err)
	}
	*now = now.Add(jwksTTL - time.Second)
	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("k1 within ttl: %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected cached key within ttl, got %d fetches", got)
	}

	// The provider stops publishing k1.
	srv.set(http.StatusOK, jwkFor("k2", &k2.PublicKey))
	*now = now.Add(time.Second)
	if _, err := keys.key("k1"); err == nil {
		t.Error("expected k1 to be dropped after the ttl refresh")
	}
	if got := srv.hits.Load(); got != 2 {
		t.Errorf("expected a refetch after ttl, got %d fetches", got)
	}
}

func TestRSAKeySet_StaleKeyServesWhileProviderDown(t *testing.T) {
	k1 := newTestRSAKey(t)
	srv := serveJWKS(t, jwkFor("k1", &k1.PublicKey))
	keys, now := newTestKeySet(srv.URL)

	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("k1: %v", err)
	}
	srv.set(http.StatusBadGateway)
	*now = now.Add(jwksTTL)

	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("expected stale key while the provider is down, got %v", err)
	}
	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Errorf("expected failed refetches to be throttled, got %d fetches", got)
	}
}

func TestRSAKeySet_DiscoversJWKSFromIssuer(t *testing.T) {
	key := newTestRSAKey(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL, "jwks_uri": srv.URL + "/keys"})
		case "/keys":
			_ = json.NewEncoder(w).Encode(jwkSet{Keys: []jwk{jwkFor("k1", &key.PublicKey)}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	keys := newRSAKeySet("", srv.URL)
	if _, err := keys.key("k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys.url != srv.URL+"/keys" {
		t.Errorf("expected discovered jwks url, got %s", keys.url)
	}
}

func TestRSAKeySet_RequiresKidHeader(t *testing.T) {
	keys := newRSAKeySet("http://unused.example.test", "")
	token := jwt.New(jwt.SigningMethodRS256)
	if _, err := keys.keyFunc(token); err == nil {
		t.Error("expected an error for a token without kid")
	}
}
