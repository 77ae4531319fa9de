package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snapetech/iptv-relay/internal/proxyerr"
)

const accessTokenTTL = 24 * time.Hour

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// handleAuthToken answers POST /auth/token: validates a username/password
// pair and issues a signed access token bound to §4.C's TTL.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	username := firstNonEmpty(r.FormValue("username"), r.URL.Query().Get("username"))
	password := firstNonEmpty(r.FormValue("password"), r.URL.Query().Get("password"))
	if _, ok := s.Accounts.Resolve(username, password); !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Forbidden, "issue_token", nil))
		return
	}
	tok := s.Signer.AccessToken(accessTokenTTL)
	writeTokenJSON(w, tok)
}

// handleAuthRefresh answers POST /auth/refresh: a still-valid access token
// is exchanged for a new one with a fresh TTL window. Unlike a bearer-token
// scheme with revocation lists, this just re-signs: the old token remains
// valid until its own embedded TTL elapses.
func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	tok := firstNonEmpty(r.FormValue("token"), r.URL.Query().Get("token"))
	if !s.Signer.VerifyAccessToken(tok) {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Forbidden, "refresh_token", nil))
		return
	}
	writeTokenJSON(w, s.Signer.AccessToken(accessTokenTTL))
}

func writeTokenJSON(w http.ResponseWriter, tok string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{Token: tok, ExpiresIn: int64(accessTokenTTL.Seconds())})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
