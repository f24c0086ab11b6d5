package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tandemdental/dentascribe/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User *auth.User `json:"user"`
}

// handleLogin verifies credentials and sets the session cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := s.authn.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			slog.Error("login failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "login unavailable")
			return
		}
		writeDomainError(w, err)
		return
	}

	token, expires, err := s.tokens.IssueSession(user.ID, user.Role)
	if err != nil {
		slog.Error("issue session", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue session")
		return
	}
	auth.SetSessionCookie(w, token, expires)
	writeJSON(w, http.StatusOK, loginResponse{User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type tokenResponse struct {
	Token         string `json:"token"`
	ExpiresIn     int    `json:"expires_in"`
	InheritedFrom string `json:"inherited_from,omitempty"`
}

// handleWSToken mints a short-lived WebSocket bearer token for the
// desktop session identified by the cookie.
func (s *Server) handleWSToken(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	token, ttl, err := s.tokens.IssueWSToken(claims.Subject, claims.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresIn: int(ttl / time.Second)})
}

type mobileTokenRequest struct {
	PairCode string `json:"pair_code"`
	Username string `json:"username"`
}

// handleWSTokenMobile mints a WebSocket token for a mobile device that
// holds an unclaimed pair code. The token inherits the desktop identity
// bound to the code and expires no later than the code itself.
func (s *Server) handleWSTokenMobile(w http.ResponseWriter, r *http.Request) {
	var req mobileTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	code := strings.TrimSpace(req.PairCode)
	if code == "" {
		writeError(w, http.StatusBadRequest, "pair_code is required")
		return
	}

	pc, err := s.pairs.Peek(code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	token, ttl, err := s.tokens.IssueMobileToken(pc.PrincipalID, pc.ExpiresAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("mobile token issued", "username", req.Username, "inherited_from", pc.PrincipalID)
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:         token,
		ExpiresIn:     int(ttl / time.Second),
		InheritedFrom: pc.PrincipalID,
	})
}

type generatePairCodeRequest struct {
	DesktopSessionID string `json:"desktop_session_id"`
}

// handleGeneratePairCode issues a fresh pair code for an authenticated
// desktop and subscribes its WebSocket session to the new channel.
func (s *Server) handleGeneratePairCode(w http.ResponseWriter, r *http.Request) {
	claims := s.session(w, r)
	if claims == nil {
		return
	}
	var req generatePairCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DesktopSessionID == "" {
		writeError(w, http.StatusBadRequest, "desktop_session_id is required")
		return
	}

	pc, err := s.pairs.Issue(req.DesktopSessionID, claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.hub.JoinChannel(req.DesktopSessionID, pc.ChannelID); err != nil {
		s.pairs.Revoke(pc.Code)
		writeError(w, http.StatusConflict, "desktop session is not connected")
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

type pairDeviceRequest struct {
	Code            string `json:"code"`
	MobileSessionID string `json:"mobile_session_id"`
}

type pairDeviceResponse struct {
	Success   bool   `json:"success"`
	ChannelID string `json:"channel_id"`
}

// handlePairDevice claims a pair code on behalf of a mobile device.
func (s *Server) handlePairDevice(w http.ResponseWriter, r *http.Request) {
	var req pairDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.MobileSessionID == "" {
		writeError(w, http.StatusBadRequest, "code and mobile_session_id are required")
		return
	}

	res, err := s.pairs.Claim(req.Code, req.MobileSessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairDeviceResponse{Success: true, ChannelID: res.ChannelID})
}
