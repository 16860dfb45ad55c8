package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/siam-sk/nexus-living-bms-client/internal/session"
)

// IdentityClaims are the claims the identity provider puts in its ID tokens.
type IdentityClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// Session builds the gateway session for a verified token.
func (c *IdentityClaims) Session(token string) session.Session {
	s := session.Session{
		IdentityToken: token,
		DisplayName:   c.Name,
		Email:         c.Email,
		AvatarURL:     c.Picture,
		IssuedAt:      time.Now().UTC(),
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}

var ErrNoEmail = errors.New("identity token has no email claim")

type VerifierOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier checks identity tokens issued by the authentication provider.
type Verifier struct {
	keyFunc jwt.Keyfunc
	methods []string
	opts    VerifierOptions
}

func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(keyData)
}

func NewRSAVerifier(pubKey *rsa.PublicKey, opts VerifierOptions) *Verifier {
	return &Verifier{
		keyFunc: func(*jwt.Token) (interface{}, error) { return pubKey, nil },
		methods: []string{"RS256"},
		opts:    opts,
	}
}

// NewHMACVerifier is meant for local development against a stub provider.
func NewHMACVerifier(secret []byte, opts VerifierOptions) *Verifier {
	return &Verifier{
		keyFunc: func(*jwt.Token) (interface{}, error) { return secret, nil },
		methods: []string{"HS256"},
		opts:    opts,
	}
}

// NewJWKSVerifier fetches and refreshes signing keys from jwksURL in the
// background. The gateway starts even if the first fetch fails.
func NewJWKSVerifier(jwksURL string, refresh time.Duration, opts VerifierOptions) (*Verifier, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refresh,
		RefreshErrorHandler: func(_ context.Context, err error) {
			slog.Error("jwks refresh failed", "url", jwksURL, "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks storage: %w", err)
	}
	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("create keyfunc: %w", err)
	}
	return &Verifier{keyFunc: k.Keyfunc, methods: []string{"RS256", "ES256"}, opts: opts}, nil
}

// Verify parses and validates token. An expiry claim is required.
func (v *Verifier) Verify(token string) (*IdentityClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.opts.Leeway),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.opts.Audience))
	}

	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc, parserOpts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Email) == "" {
		return nil, ErrNoEmail
	}
	return claims, nil
}

// ExtractToken reads "Authorization: Bearer" first and falls back to the
// auth_token cookie used by browser flows.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message, "code": status})
}
