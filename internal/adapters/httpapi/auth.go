package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"cards/internal/auth"
	"cards/pkg/domain"
)

type claimsKey struct{}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(auth.CookieName); err == nil {
		return c.Value
	}
	return ""
}

// requireStaff admits staff tokens, and only those carrying role when role
// is set. Commits made by the request are attributed to the token subject.
func (s *Server) requireStaff(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			claims, err := s.tokens.Validate(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if claims.Kind != auth.KindStaff || (role != "" && !claims.HasRole(role)) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = domain.WithUser(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleValidateCredentials(w http.ResponseWriter, r *http.Request) {
	creds := auth.Credentials{
		MRN:         strings.TrimSpace(r.FormValue("mrn")),
		HealthCard:  strings.TrimSpace(r.FormValue("health_card")),
		DateOfBirth: strings.TrimSpace(r.FormValue("date_of_birth")),
		Visit:       strings.TrimSpace(r.FormValue("visit")),
	}
	if creds.DateOfBirth == "" || (creds.MRN == "" && creds.HealthCard == "") {
		writeError(w, http.StatusBadRequest, "date_of_birth and either mrn or health_card are required")
		return
	}
	session, err := s.patients.Authenticate(r.Context(), creds)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrExpired):
		s.logger.InfoContext(r.Context(), "patient sign-in refused", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		writeDomainError(w, err)
		return
	}
	status := "selectVisit"
	if session.Token != "" {
		status = "authenticated"
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    session.Token,
			Path:     "/",
			Expires:  session.Claims.ExpiresAt.Time,
			HttpOnly: true,
			Secure:   s.secureCookies,
			SameSite: http.SameSiteStrictMode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"patient": session.Patient,
		"visit":   session.Visit,
		"visits":  session.Visits,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	claims, err := s.tokens.Validate(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.tokens.Revoke(r.Context(), claims); err != nil {
		writeDomainError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1, HttpOnly: true, Secure: s.secureCookies})
	w.WriteHeader(http.StatusNoContent)
}
