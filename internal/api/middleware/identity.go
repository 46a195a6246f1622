package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/internal/api/response"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	KeyPrefixLen = 8
	GuestHeader  = "X-Guest-ID"
)

var guestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Identity resolves the request owner from an API key or a guest header.
type Identity struct {
	store store.Store
}

func NewIdentity(s store.Store) *Identity {
	return &Identity{store: s}
}

// Resolve sets the owner in the request context. A Bearer API key wins over
// X-Guest-ID; a request with neither, or with a key that does not verify, is
// rejected with 401.
func (a *Identity) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			a.resolveKey(w, r, next)
			return
		}

		guest := strings.TrimSpace(r.Header.Get(GuestHeader))
		if guest == "" {
			response.Error(w, http.StatusUnauthorized,
				"UNAUTHENTICATED", "An API key or "+GuestHeader+" header is required", nil)
			return
		}
		if !guestIDPattern.MatchString(guest) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_GUEST_ID", GuestHeader+" must be 8-64 characters of letters, digits, '-' or '_'", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetOwner(r.Context(), models.GuestOwner(guest))))
	})
}

func (a *Identity) resolveKey(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rawKey := extractBearerToken(r)
	if rawKey == "" {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
		return
	}
	if len(rawKey) < KeyPrefixLen {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key format", nil)
		return
	}

	keys, err := a.store.GetAPIKeyByPrefix(r.Context(), rawKey[:KeyPrefixLen])
	if err != nil {
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "Failed to validate API key", nil)
		return
	}

	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
			continue
		}
		keyID := key.ID
		go func() {
			if err := a.store.UpdateAPIKeyLastUsed(context.Background(), keyID); err != nil {
				slog.Warn("failed to update api key last_used_at", "key_id", keyID, "error", err)
			}
		}()
		next.ServeHTTP(w, r.WithContext(SetOwner(r.Context(), models.UserOwner(key.UserID))))
		return
	}

	response.Error(w, http.StatusUnauthorized,
		"INVALID_TOKEN", "Invalid API key", nil)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
