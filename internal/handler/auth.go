package handler

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// OperatorUser is the basic-auth user name for mutating routes.
const OperatorUser = "operator"

// HashPassword returns the bcrypt hash stored for the operator password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("operator password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash operator password: %w", err)
	}
	return string(hash), nil
}

// requireOperator guards routes that change the answer key, roster or
// batch. Credentials are checked with HTTP basic auth against the stored
// bcrypt hash.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(OperatorUser)) != 1 {
			h.unauthorized(w, r)
			return
		}

		hash, err := h.store.OperatorPasswordHash()
		if err != nil {
			writeError(w, r, fmt.Errorf("load operator password: %w", err))
			return
		}
		if hash == "" {
			slog.Error("operator password not configured")
			h.unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="omrgrade", charset="UTF-8"`)
	writeError(w, r, errUnauthorized)
}
