package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signRS256(t *testing.T, key *rsa.PrivateKey, claims IdentityClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func testClaims(email string, exp time.Time) IdentityClaims {
	return IdentityClaims{
		Email:   email,
		Name:    "Ada",
		Picture: "https://img/ada.png",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://issuer.test",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestRSAVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// Round-trip the public key through PEM like the gateway does at startup.
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "pub.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write pem: %v", err)
	}
	pub, err := LoadRSAPublicKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v := NewRSAVerifier(pub, VerifierOptions{Issuer: "https://issuer.test"})

	tok := signRS256(t, key, testClaims("ada@x.com", time.Now().Add(time.Hour)))
	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	sess := claims.Session(tok)
	if sess.Email != "ada@x.com" || sess.DisplayName != "Ada" || sess.IdentityToken != tok || sess.ExpiresAt.IsZero() {
		t.Fatalf("session = %+v", sess)
	}

	if _, err := v.Verify(signRS256(t, key, testClaims("ada@x.com", time.Now().Add(-time.Hour)))); err == nil {
		t.Fatal("expired token should be rejected")
	}
	if _, err := v.Verify(signRS256(t, key, testClaims("", time.Now().Add(time.Hour)))); err != ErrNoEmail {
		t.Fatalf("err = %v, want ErrNoEmail", err)
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	if _, err := v.Verify(signRS256(t, other, testClaims("ada@x.com", time.Now().Add(time.Hour)))); err == nil {
		t.Fatal("token signed by another key should be rejected")
	}
}

func TestHMACVerifierRejectsAlgSwitch(t *testing.T) {
	secret := []byte("dev-secret")
	v := NewHMACVerifier(secret, VerifierOptions{})

	claims := testClaims("dev@x.com", time.Now().Add(time.Hour))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(tok); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tok, _ = jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString(secret)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("unexpected signing method should be rejected")
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if got := ExtractToken(r); got != "abc" {
		t.Fatalf("bearer = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "auth_token", Value: "cookie-tok"})
	if got := ExtractToken(r); got != "cookie-tok" {
		t.Fatalf("cookie = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic xyz")
	if got := ExtractToken(r); got != "" {
		t.Fatalf("basic auth should be ignored, got %q", got)
	}
}
