package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bizpilot/bizpilot/internal/auth"
)

// RegisterRequest is the signup payload.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
	Plan     string `json:"plan,omitempty"`
}

// LoginRequest is the credential check payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse carries the account and a fresh bearer token.
type AuthResponse struct {
	User        *auth.User `json:"user"`
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := s.authSvc.Register(r.Context(), req.Email, req.Password, req.FullName, req.Plan)
	switch {
	case errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("registration failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "signup failed")
		return
	}

	writeJSON(w, AuthResponse{User: user, AccessToken: token, TokenType: "bearer"}, s.logger)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := s.authSvc.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.errorResponse(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		s.logger.Error("login failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, AuthResponse{User: user, AccessToken: token, TokenType: "bearer"}, s.logger)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.errorResponse(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, user, s.logger)
}
