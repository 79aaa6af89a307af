package server

import (
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/ontree-co/treemon/internal/logging"
)

const sessionAdminKey = "admin"

// HashPassword returns a bcrypt hash suitable for admin_password_hash.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func checkPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin starts an admin session when the password matches.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.config.AdminPasswordHash == "" {
		writeError(w, http.StatusForbidden, "Login is disabled: no admin password configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := checkPassword(req.Password, s.config.AdminPasswordHash); err != nil {
		logging.Warnf("Failed admin login from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	session, err := s.sessionStore.Get(r, sessionName)
	if err != nil {
		// A cookie signed with an old key; start over with a fresh session
		logging.Debugf("Discarding invalid session: %v", err)
	}
	session.Values[sessionAdminKey] = true
	if err := session.Save(r, w); err != nil {
		logging.Errorf("Failed to save session: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_in"})
}

// handleLogout ends the admin session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionStore.Get(r, sessionName)
	if err == nil {
		delete(session.Values, sessionAdminKey)
		session.Options.MaxAge = -1
		if err := session.Save(r, w); err != nil {
			logging.Errorf("Failed to clear session: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// AdminRequiredMiddleware rejects requests without an admin session.
func (s *Server) AdminRequiredMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.sessionStore.Get(r, sessionName)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if admin, ok := session.Values[sessionAdminKey].(bool); !ok || !admin {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}
