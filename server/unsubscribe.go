package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// tokenLength is the hex length of a 32-byte token.
const tokenLength = 64

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	// Rate limiting by IP to prevent token enumeration
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.unsubscribeConfirmPage(w, r)
	case http.MethodPost:
		s.unsubscribePost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// unsubscribeConfirmPage shows a confirmation form so a prefetched GET of the
// link in the email can never unsubscribe anyone.
func (s *Server) unsubscribeConfirmPage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if len(token) != tokenLength {
		http.Redirect(w, r, s.pagesURL+"/unsubscribe-error.html", http.StatusSeeOther)
		return
	}

	addr, found := s.subs.Lookup(r.Context(), token)
	if !found {
		http.Redirect(w, r, s.pagesURL+"/unsubscribe-error.html", http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	if err := templates.ExecuteTemplate(w, "unsubscribe.tmpl", map[string]string{
		"Email": addr,
		"Token": token,
	}); err != nil {
		s.logger.Error("Failed to render template", "template", "unsubscribe.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) unsubscribePost(w http.ResponseWriter, r *http.Request) {
	// RFC 8058 one-click posts exactly "List-Unsubscribe=One-Click" as the
	// body. Sniff it before ParseForm consumes the body.
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	oneClick := strings.Contains(string(body), "List-Unsubscribe=One-Click")

	token := r.URL.Query().Get("token")
	if token == "" && !oneClick {
		// Browser form carries the token in the body.
		if values, parseErr := url.ParseQuery(string(body)); parseErr == nil {
			token = values.Get("token")
		}
	}

	removed, err := s.subs.Unsubscribe(r.Context(), token)
	if err != nil {
		s.logger.Error("Unsubscribe failed", "error", err)
		if oneClick {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		} else {
			http.Redirect(w, r, s.pagesURL+"/unsubscribe-error.html", http.StatusSeeOther)
		}
		return
	}

	if oneClick {
		if !removed {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintln(w, "Unsubscribed"); err != nil {
			s.logger.Warn("Failed to write response", "error", err)
		}
		return
	}

	if !removed {
		http.Redirect(w, r, s.pagesURL+"/unsubscribe-error.html", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, s.pagesURL+"/unsubscribed.html", http.StatusSeeOther)
}

func (s *Server) handleBounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 256*1024))
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// Malformed payloads are dropped inside the handler; only store failures
	// error out, so the provider redelivers exactly those.
	if err := s.bounces.Handle(r.Context(), payload); err != nil {
		s.logger.Error("Bounce handling failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"ok"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
