package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing authenticated wallet information.
type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeyWallet contextKey = "wallet_address"
)

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Wallet     string
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// Options controls signature verification and claim handling.
type Options struct {
	Secret         []byte
	Issuer         string
	Audience       []string
	MaxSkew        time.Duration
	WalletClaim    string
	AllowQueryAuth bool
}

// Middleware provides HTTP middleware enforcing bearer-token authentication.
type Middleware struct {
	secret      []byte
	issuer      string
	audience    []string
	skew        time.Duration
	walletClaim string
	allowQuery  bool
}

// NewMiddleware constructs a Middleware using the supplied options.
func NewMiddleware(opts Options) (*Middleware, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	walletClaim := strings.TrimSpace(opts.WalletClaim)
	if walletClaim == "" {
		walletClaim = "wallet"
	}
	skew := opts.MaxSkew
	if skew < 0 {
		skew = 0
	}
	return &Middleware{
		secret:      opts.Secret,
		issuer:      strings.TrimSpace(opts.Issuer),
		audience:    opts.Audience,
		skew:        skew,
		walletClaim: walletClaim,
		allowQuery:  opts.AllowQueryAuth,
	}, nil
}

// Middleware verifies the bearer token and attaches the wallet identity to the
// request context before invoking the next handler.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	if m == nil {
		panic("auth middleware is nil")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := m.extractToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := m.verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeyWallet, claims.Wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) extractToken(r *http.Request) (string, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		if m.allowQuery {
			if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
				return token, nil
			}
		}
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func (m *Middleware) verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(m.skew),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	for _, aud := range m.audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			opts = append(opts, jwt.WithAudience(trimmed))
		}
	}

	mapClaims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, mapClaims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: token is invalid")
	}

	wallet, err := m.extractWallet(mapClaims)
	if err != nil {
		return nil, err
	}

	return &Claims{Wallet: wallet, Token: token, Attributes: mapClaims}, nil
}

func (m *Middleware) extractWallet(claims jwt.MapClaims) (string, error) {
	raw, ok := claims[m.walletClaim]
	if !ok {
		if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
			return normalizeWallet(sub)
		}
		return "", fmt.Errorf("auth: missing %q claim", m.walletClaim)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("auth: %q claim is not a string", m.walletClaim)
	}
	return normalizeWallet(value)
}

func normalizeWallet(value string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 42 {
		return "", errors.New("auth: wallet claim is not a hex address")
	}
	return trimmed, nil
}

// IssueToken mints a signed token for the given wallet. Primarily used by
// tests and local tooling.
func (m *Middleware) IssueToken(wallet string, ttl time.Duration) (string, error) {
	normalized, err := normalizeWallet(wallet)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		m.walletClaim: normalized,
		"sub":         normalized,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	}
	if m.issuer != "" {
		claims["iss"] = m.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("auth: no claims in context")
	}
	return claims, nil
}

// WalletFromContext returns the authenticated wallet address, if any.
func WalletFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	wallet, ok := ctx.Value(contextKeyWallet).(string)
	if !ok || wallet == "" {
		return "", false
	}
	return wallet, true
}
