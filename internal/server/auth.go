package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"annexe/internal/ctxlog"
	"annexe/internal/engine"
	"annexe/internal/engine/auth"
)

const (
	tokenIssuer  = "annexe"
	tokenLeeway  = 30 * time.Second
	devTokenTTL  = 12 * time.Hour
	apiKeyHeader = "X-Api-Key"
)

type AuthConfig struct {
	JWTSecret string
	// DevAuth enables POST /auth/dev/login, which mints tokens for any actor.
	DevAuth bool
}

// Principal is the authenticated caller of a request. KeyID is set when the
// request was authenticated with an API key.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
	KeyID   string
}

func (p Principal) Actor() auth.Actor {
	return auth.Actor{ID: p.ActorID, Roles: p.Roles}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorFromContext returns the authenticated actor or a 401.
func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.Actor(), nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "", "authentication required", nil)
}

// publicPaths are served without credentials.
func publicPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// SignToken mints an HS256 token for actorID, valid for ttl.
func SignToken(secret, actorID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

var errNoCredentials = errors.New("no credentials")

// authenticator turns a bearer token or an API key into a Principal.
type authenticator struct {
	basePath string
	public   map[string]bool
	secret   string
	parser   *jwt.Parser
	engine   engine.Engine
}

func newAuthenticator(basePath string, cfg AuthConfig, e engine.Engine) *authenticator {
	return &authenticator{
		basePath: basePath,
		public:   publicPaths(basePath),
		secret:   cfg.JWTSecret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(tokenLeeway),
		),
		engine: e,
	}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Path, a.basePath) || a.public[req.URL.Path] {
			next.ServeHTTP(w, req)
			return
		}
		log := ctxlog.FromContext(req.Context())
		principal, err := a.authenticate(req)
		switch {
		case errors.Is(err, errNoCredentials):
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "", "authentication required", nil))
			return
		case err != nil:
			log.Debug("authentication failed", "err", err)
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil))
			return
		}
		ctx := withPrincipal(req.Context(), principal)
		ctx = ctxlog.WithLogger(ctx, log.With("actor_id", principal.ActorID, "auth", principal.Source))
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// authenticate prefers the Authorization header over X-Api-Key.
func (a *authenticator) authenticate(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return Principal{}, errors.New("malformed authorization header")
		}
		return a.fromToken(strings.TrimSpace(token))
	}
	if key := strings.TrimSpace(req.Header.Get(apiKeyHeader)); key != "" {
		return a.fromAPIKey(req.Context(), key)
	}
	return Principal{}, errNoCredentials
}

func (a *authenticator) fromToken(token string) (Principal, error) {
	if strings.TrimSpace(a.secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &jwtClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.secret), nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func (a *authenticator) fromAPIKey(ctx context.Context, plain string) (Principal, error) {
	now := time.Now
	if a.engine.Now != nil {
		now = a.engine.Now
	}
	key, err := a.engine.Repo.LookupAPIKey(ctx, plain, now())
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: key.ActorID, Source: "api_key", KeyID: key.ID}, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(p.Roles),
			Admin:   e.Auth.IsAdmin(p.Actor()),
			Source:  p.Source,
			KeyID:   p.KeyID,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.DevAuth {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		token, err := SignToken(authCfg.JWTSecret, strings.TrimSpace(input.Body.ActorID), input.Body.Roles, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
