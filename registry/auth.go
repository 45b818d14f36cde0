package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"model_registry/schema"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

type jwtManager struct {
	auth *jwtauth.JWTAuth
}

func newJwtManager(secret []byte) *jwtManager {
	return &jwtManager{auth: jwtauth.New("HS256", secret, nil)}
}

func (m *jwtManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verifier(m.auth)
}

func (m *jwtManager) Authenticator() func(http.Handler) http.Handler {
	return jwtauth.Authenticator(m.auth)
}

const (
	emailKey   = "email"
	modelIdKey = "model_id"
)

func (m *jwtManager) createToken(key, value string, exp time.Duration) (string, error) {
	claims := map[string]interface{}{
		key:   value,
		"exp": time.Now().Add(exp),
	}
	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating jwt", "error", err)
		return "", fmt.Errorf("error generating token: %w", err)
	}
	return token, nil
}

// Admin sessions are identity bound; upload tokens are bearer capabilities
// scoped to a single model. The expiries are the only timeout semantics in
// the registry.
func (m *jwtManager) CreateAdminJwt(email string) (string, error) {
	return m.createToken(emailKey, email, 15*time.Minute)
}

func (m *jwtManager) CreateUploadJwt(modelId uuid.UUID) (string, error) {
	return m.createToken(modelIdKey, modelId.String(), 10*time.Minute)
}

func valueFromClaims(r *http.Request, key string) (string, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return "", fmt.Errorf("error retrieving auth claims: %w", err)
	}

	valueUncasted, ok := claims[key]
	if !ok {
		return "", fmt.Errorf("invalid token: unable to locate key %v in claims", key)
	}

	value, ok := valueUncasted.(string)
	if !ok {
		return "", fmt.Errorf("invalid token: value for key %v has invalid type", key)
	}

	return value, nil
}

// modelIdFromClaims is the only source of the model identity for chunk and
// commit requests, so an upload token can never act on another model.
func modelIdFromClaims(r *http.Request) (uuid.UUID, error) {
	value, err := valueFromClaims(r, modelIdKey)
	if err != nil {
		return uuid.UUID{}, err
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid uuid '%v' provided: %w", value, err)
	}
	return id, nil
}

// requireAdmin runs after the admin realm verifier and rejects tokens whose
// email no longer names an admin account.
func (registry *ModelRegistry) requireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			email, err := valueFromClaims(r, emailKey)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			_, err = schema.GetAdmin(email, registry.db)
			if err != nil {
				if errors.Is(err, schema.ErrAdminNotFound) {
					http.Error(w, "token does not belong to an admin account", http.StatusUnauthorized)
					return
				}
				http.Error(w, fmt.Sprintf("unable to verify admin account: %v", err), http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}
