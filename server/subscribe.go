package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"hn-digest/subscription"
)

// subscribeRequest is the JSON body of POST /subscribe. Website is a honeypot
// field: real users never see it, so a non-empty value marks a bot.
type subscribeRequest struct {
	Email          string `json:"email"`
	Strategy       string `json:"strategy"`
	Website        string `json:"website"`
	TurnstileToken string `json:"turnstile_token"`
}

const subscribedMessage = "Check your email to confirm your subscription"

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		writeJSONError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Bots fill the honeypot; report success and do nothing.
	if req.Website != "" {
		s.logger.Info("Honeypot triggered, dropping subscribe request", "ip", ip)
		writeJSON(w, http.StatusOK, map[string]string{"message": subscribedMessage})
		return
	}

	ok, err := s.captcha.Verify(r.Context(), req.TurnstileToken, ip)
	if err != nil {
		s.logger.Warn("Captcha verification errored", "ip", ip, "error", err)
	}
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "Captcha verification failed")
		return
	}

	if err := s.subs.Subscribe(r.Context(), req.Email, req.Strategy); err != nil {
		switch {
		case errors.Is(err, subscription.ErrInvalidEmail):
			writeJSONError(w, http.StatusBadRequest, "Invalid email address")
		case errors.Is(err, subscription.ErrUnknownStrategy):
			writeJSONError(w, http.StatusBadRequest, "Unknown digest strategy")
		default:
			s.logger.Error("Subscribe failed", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	s.logger.Info("Subscribe request accepted", "ip", ip)
	writeJSON(w, http.StatusOK, map[string]string{"message": subscribedMessage})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	addr := r.URL.Query().Get("email")
	token := r.URL.Query().Get("token")

	if err := s.subs.Verify(r.Context(), addr, token); err != nil {
		if !errors.Is(err, subscription.ErrVerificationFailed) {
			s.logger.Error("Verification failed", "error", err)
		}
		http.Redirect(w, r, s.pagesURL+"/verify-error.html", http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, s.pagesURL+"/verify-success.html", http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already written; an encode failure here is unrecoverable.
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
