package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/snapetech/iptv-relay/internal/accounts"
	"github.com/snapetech/iptv-relay/internal/catalog"
	"github.com/snapetech/iptv-relay/internal/pipeline"
	"github.com/snapetech/iptv-relay/internal/probe"
	"github.com/snapetech/iptv-relay/internal/provider"
	"github.com/snapetech/iptv-relay/internal/proxyerr"
)

// handleTypedStream returns a handler for /live/, /movie/, /series/ routes:
// {username}/{password}/{stream_id}[.ext].
func (s *Server) handleTypedStream(cluster string) http.HandlerFunc {
	prefix := "/" + cluster + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		segs := pathSegments(r.URL.Path, prefix)
		if len(segs) < 3 {
			s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_stream_path", nil))
			return
		}
		username, password := segs[0], segs[1]
		idSeg, ext := splitExt(segs[2])
		s.serveStream(w, r, username, password, idSeg, ext, cluster)
	}
}

// handleM3UStream serves both /m3u-stream/{username}/{password}/{id} and
// the typed /m3u-stream/{live|movie|series}/{username}/{password}/{id}.
func (s *Server) handleM3UStream(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/m3u-stream/")
	if len(segs) < 3 {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_m3u_stream_path", nil))
		return
	}
	cluster := ""
	switch segs[0] {
	case "live", "movie", "series":
		cluster = segs[0]
		segs = segs[1:]
	}
	if len(segs) < 3 {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_m3u_stream_path", nil))
		return
	}
	username, password := segs[0], segs[1]
	idSeg, ext := splitExt(segs[2])
	s.serveStream(w, r, username, password, idSeg, ext, cluster)
}

// serveStream implements §4.H steps 1-8 for a single stream request.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, username, password, idSeg, ext, cluster string) {
	account, ok := s.Accounts.Resolve(username, password)
	if !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_user", nil))
		return
	}

	if !s.Active.Permit(username, account.MaxConnections) {
		s.serveFallback(w, r, "user_connections_exhausted", http.StatusForbidden)
		return
	}

	vid, err := strconv.ParseUint(idSeg, 10, 32)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_stream_id", err))
		return
	}
	item, err := s.Catalog.Get(uint32(vid))
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_virtual_id", err))
		return
	}

	group := s.Providers[account.ProviderGroup]
	if group == nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Internal, "resolve_provider_group", fmt.Errorf("unknown provider group %q", account.ProviderGroup)))
		return
	}

	if account.ProxyMode == accounts.Redirect {
		s.serveRedirect(w, r, group, item, username, password, cluster)
		return
	}
	s.serveReverse(w, r, account, group, item, ext)
}

// serveRedirect implements §4.H step 6: Cycle-for-redirect and a 302 to the
// chosen provider's own credentials, never incrementing a connection count.
func (s *Server) serveRedirect(w http.ResponseWriter, r *http.Request, group *provider.Group, item catalog.PlaylistItem, username, password, cluster string) {
	cfg, outcome := group.CycleForRedirect(true)
	if outcome == provider.Exhausted {
		s.serveFallback(w, r, "provider_connections_exhausted", http.StatusServiceUnavailable)
		return
	}
	if cluster == "" {
		cluster = string(item.XtreamCluster)
		if cluster == "video" {
			cluster = "movie"
		}
	}
	ext := extensionFor(item)
	target := buildProviderURL(cfg, cluster, item.UpstreamID, ext)
	http.Redirect(w, r, target, http.StatusFound)
}

// serveReverse implements §4.H step 7: allocate (or reuse a shared-stream
// subscription), build the adapter chain, and stream the response body.
func (s *Server) serveReverse(w http.ResponseWriter, r *http.Request, account *accounts.Account, group *provider.Group, item catalog.PlaylistItem, ext string) {
	if ext == "" {
		ext = s.sniffExtension(item)
	}
	if ext == "m3u8" || strings.HasSuffix(item.URL, ".m3u8") || item.ItemType == "live_hls" {
		s.serveHlsManifest(w, r, account, group, item)
		return
	}

	sub, reserved := s.Shared.Reserve(item.URL)
	var cfg *provider.Config
	if reserved {
		var outcome provider.AllocationOutcome
		cfg, outcome = group.Allocate(true)
		if outcome == provider.Exhausted {
			s.Shared.Abort(item.URL, sub, fmt.Errorf("provider connections exhausted"))
			s.serveFallback(w, r, "provider_connections_exhausted", http.StatusServiceUnavailable)
			return
		}
		// The producer this reservation starts must outlive this one request:
		// other subscribers stay attached after this client disconnects, so it
		// is not bound to r.Context().
		upstream, headers, err := s.openUpstream(context.Background(), item.URL)
		if err != nil {
			cfg.Release()
			s.Shared.Abort(item.URL, sub, err)
			s.writeProxyErr(w, r, proxyerr.New(proxyerr.Transport, "open_upstream", err))
			return
		}
		s.Shared.Produce(item.URL, sub, upstream, headers)
	}

	for k, v := range sub.Headers() {
		if k == "Content-Type" || k == "Content-Length" {
			continue
		}
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.Header().Set("Content-Type", contentTypeFor(item, ext))

	chunks := newSubscriptionReader(sub)
	var chain pipeline.ChunkReader = chunks
	if ext == "ts" || item.XtreamCluster == catalog.ClusterLive {
		chain = pipeline.NewTsStream(chain)
	}
	client := pipeline.NewActiveClientStream(chain, s.Active, account.Username)
	clientStream := pipeline.NewClientStream(client, func() {
		if cfg != nil {
			cfg.Release()
		}
	})

	w.WriteHeader(http.StatusOK)
	if err := streamToClient(w, clientStream); err != nil {
		s.logf("router: stream to client ended: %v", err)
	}
	clientStream.Close()
	client.Close()
}

// streamToClient drains cr to w, flushing after every chunk so the client
// sees data as it arrives rather than buffered until EOF.
func streamToClient(w http.ResponseWriter, cr pipeline.ChunkReader) error {
	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := cr.Next()
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// serveFallback answers a blocked request with the preloaded clip for
// reason, or a bare status if no clip was configured.
func (s *Server) serveFallback(w http.ResponseWriter, r *http.Request, reason string, status int) {
	clip := s.Fallbacks[reason]
	if len(clip) == 0 {
		http.Error(w, reason, status)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(status)
	cv := pipeline.NewCustomVideoStream(clip, false)
	if err := streamToClient(w, cv); err != nil {
		s.logf("router: fallback stream ended: %v", err)
	}
}

// sniffExtension resolves a stream's container when the request path carried
// no extension, by probing the upstream URL rather than guessing from the
// catalog cluster alone.
func (s *Server) sniffExtension(item catalog.PlaylistItem) string {
	switch probeType, err := probe.Probe(item.URL, s.Client); {
	case err != nil:
		s.logf("router: probe %s: %v", item.URL, err)
		return extensionFor(item)
	case probeType == probe.StreamHLS:
		return "m3u8"
	case probeType == probe.StreamTS:
		return "ts"
	case probeType == probe.StreamDirectMP4:
		return "mp4"
	default:
		return extensionFor(item)
	}
}

func extensionFor(item catalog.PlaylistItem) string {
	switch {
	case item.ItemType == "live_hls":
		return "m3u8"
	case item.XtreamCluster == catalog.ClusterLive:
		return "ts"
	default:
		return "mp4"
	}
}

func contentTypeFor(item catalog.PlaylistItem, ext string) string {
	switch ext {
	case "m3u8":
		return "application/vnd.apple.mpegurl"
	case "ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// buildProviderURL mirrors the player_api indexer's stream-URL construction:
// <base>/<cluster>/<user>/<pass>/<upstream-id>.<ext>.
func buildProviderURL(cfg *provider.Config, cluster, upstreamID, ext string) string {
	base := strings.TrimSuffix(cfg.URL, "/")
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", base, cluster, cfg.Username, cfg.Password, upstreamID, ext)
}
