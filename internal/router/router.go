// Package router is the HTTP surface of the relay: it parses every inbound
// request path, resolves the requesting user and catalog item, and drives
// the active-user, active-provider, shared-stream, and pipeline
// collaborators to answer it. It replaces the teacher's HDHomeRun/Plex-DVR
// emulation (internal/tuner) with the Xtream- and M3U-client-facing routes
// this relay serves.
package router

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snapetech/iptv-relay/internal/accounts"
	"github.com/snapetech/iptv-relay/internal/activeuser"
	"github.com/snapetech/iptv-relay/internal/catalog"
	"github.com/snapetech/iptv-relay/internal/health"
	"github.com/snapetech/iptv-relay/internal/hlscache"
	"github.com/snapetech/iptv-relay/internal/provider"
	"github.com/snapetech/iptv-relay/internal/proxyerr"
	"github.com/snapetech/iptv-relay/internal/rescache"
	"github.com/snapetech/iptv-relay/internal/sharedstream"
	"github.com/snapetech/iptv-relay/internal/token"
)

// Server holds every collaborator a request handler needs. One Server per
// process; all fields are safe for concurrent use by multiple handlers.
type Server struct {
	Accounts  *accounts.Store
	Providers map[string]*provider.Group // keyed by ProviderGroup name
	Catalog   *catalog.Store
	Active    *activeuser.Manager
	Shared    *sharedstream.Registry
	Hls       *hlscache.Cache
	Resources *rescache.Cache
	Signer    *token.Signer
	Client    *http.Client

	BaseURL   string // e.g. http://host:8080, used to build absolute M3U URLs
	HlsPrefix string // e.g. "hlsr"; the alternate <m3u-hlsr-prefix> route name
	WebRoot   string // static file directory; "" disables static serving

	// Fallbacks holds preloaded clip bytes per exhaustion reason, served by
	// CustomVideoStream when admission or allocation fails.
	Fallbacks map[string][]byte

	Logger *log.Logger
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Handler builds the full route table. Routes are registered on a plain
// http.ServeMux with manual path-segment parsing, matching the teacher's
// gateway/tuner wiring rather than any third-party router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/player_api.php", s.handlePlayerAPI)
	mux.HandleFunc("/xmltv.php", s.handleXMLTV)
	mux.HandleFunc("/get.php", s.handleGetM3U)
	mux.HandleFunc("/apiget", s.handleGetM3U)
	mux.HandleFunc("/m3u", s.handleGetM3U)

	mux.HandleFunc("/live/", s.handleTypedStream("live"))
	mux.HandleFunc("/movie/", s.handleTypedStream("movie"))
	mux.HandleFunc("/series/", s.handleTypedStream("series"))

	mux.HandleFunc("/m3u-stream/", s.handleM3UStream)
	mux.HandleFunc("/resource/m3u/", s.handleResource)

	mux.HandleFunc("/hlsr/", s.handleHlsChunk)
	if s.HlsPrefix != "" && s.HlsPrefix != "hlsr" {
		mux.HandleFunc("/"+s.HlsPrefix+"/", s.handleHlsChunk)
	}

	mux.HandleFunc("/auth/token", s.handleAuthToken)
	mux.HandleFunc("/auth/refresh", s.handleAuthRefresh)

	mux.HandleFunc("/healthz", s.handleHealth)

	if s.WebRoot != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.WebRoot)))
	}

	return s.logRequests(mux)
}

// logRequests logs method, sanitized path, status, and duration for every
// request, redacting credential-bearing query fields before the line ever
// reaches the log (the single sanitizer the error-handling design requires).
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logf("router: %s %s -> %d (%s)", r.Method, sanitizeURL(r.URL), sw.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}

// sanitizeURL redacts username, password, and token query values before a
// request path is logged.
func sanitizeURL(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	for _, field := range []string{"username", "password", "token"} {
		if q.Get(field) != "" {
			q.Set(field, "REDACTED")
		}
	}
	out := *u
	out.RawQuery = q.Encode()
	return out.String()
}

// handleHealth answers a liveness check by default, or a deep check of every
// configured provider group's reachability when called as /healthz?deep=1.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Query().Get("deep") == "" {
		w.Write([]byte(`{"status":"ok"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	providers := make(map[string]string, len(s.Providers))
	healthy := true
	for name, group := range s.Providers {
		if err := health.CheckProvider(ctx, group.Primary.URL); err != nil {
			providers[name] = err.Error()
			healthy = false
			continue
		}
		providers[name] = "ok"
	}
	status := "ok"
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		status = "degraded"
	}
	json.NewEncoder(w).Encode(map[string]any{"status": status, "providers": providers})
}

// writeProxyErr translates an error into the appropriate HTTP response,
// using proxyerr's Kind->status mapping and logging the sanitized failure.
func (s *Server) writeProxyErr(w http.ResponseWriter, r *http.Request, err error) {
	status := proxyerr.HTTPStatus(err)
	s.logf("router: error on %s %s: %v", r.Method, sanitizeURL(r.URL), err)
	http.Error(w, http.StatusText(status), status)
}

// pathSegments splits a request path into non-empty segments after
// trimming the given prefix.
func pathSegments(path, prefix string) []string {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// splitExt separates a trailing ".ext" from the final path segment, used
// for /live/{user}/{pass}/{id}.ts-style routes.
func splitExt(segment string) (base, ext string) {
	idx := strings.LastIndexByte(segment, '.')
	if idx <= 0 {
		return segment, ""
	}
	return segment[:idx], segment[idx+1:]
}
