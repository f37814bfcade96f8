package api

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"opclink/config"
)

type contextKey int

const userKey contextKey = iota

// HashPassword returns the bcrypt hash stored in api.users[].password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authenticator checks HTTP basic credentials against bcrypt hashes.
type authenticator struct {
	users map[string][]byte
	// dummy is compared for unknown users so lookups take the same time.
	dummy []byte
}

func newAuthenticator(users []config.APIUser) *authenticator {
	a := &authenticator{users: make(map[string][]byte, len(users))}
	for _, u := range users {
		a.users[u.Username] = []byte(u.PasswordHash)
	}
	a.dummy, _ = bcrypt.GenerateFromPassword([]byte("opclink"), bcrypt.MinCost)
	return a
}

func (a *authenticator) check(username, password string) bool {
	hash, ok := a.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// requireAuth rejects requests without valid basic credentials and puts
// the username in the request context.
func (a *authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !a.check(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="opclink"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, username)))
	})
}

// userFrom returns the authenticated username.
func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey).(string)
	return u
}
