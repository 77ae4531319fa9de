package router

import (
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/snapetech/iptv-relay/internal/accounts"
	"github.com/snapetech/iptv-relay/internal/catalog"
	"github.com/snapetech/iptv-relay/internal/hlscache"
	"github.com/snapetech/iptv-relay/internal/pipeline"
	"github.com/snapetech/iptv-relay/internal/provider"
	"github.com/snapetech/iptv-relay/internal/proxyerr"
)

// serveHlsManifest implements §4.H step 8 and §4.G's HLS rewrite: fetch the
// upstream manifest text, rewrite every segment/URI reference into a
// chunk-token proxy URL, and return the rewritten body.
func (s *Server) serveHlsManifest(w http.ResponseWriter, r *http.Request, account *accounts.Account, group *provider.Group, item catalog.PlaylistItem) {
	cfg, outcome := group.CycleForRedirect(true)
	if outcome == provider.Exhausted {
		s.serveFallback(w, r, "provider_connections_exhausted", http.StatusServiceUnavailable)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, item.URL, nil)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "build_manifest_request", err))
		return
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Transport, "fetch_manifest", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.serveFallback(w, r, "channel_unavailable", http.StatusBadGateway)
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Transport, "read_manifest", err))
		return
	}

	params := pipeline.HlsRewriteParams{
		ManifestURL:  item.URL,
		Username:     account.Username,
		Password:     account.Password,
		Channel:      strconv.FormatUint(uint64(item.VirtualID), 10),
		Hash:         hex.EncodeToString(item.UUID[:4]),
		HlsPrefix:    hlsPrefixOrDefault(s.HlsPrefix),
		ProviderName: cfg.Name,
		VirtualID:    item.VirtualID,
	}
	rewritten, err := pipeline.RewriteHlsManifest(string(body), s.Signer, params)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Internal, "rewrite_manifest", err))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(rewritten))
}

func hlsPrefixOrDefault(prefix string) string {
	if prefix == "" {
		return "hlsr"
	}
	return prefix
}

// handleHlsChunk serves /hlsr/{username}/{password}/{channel}/{hash}/{token}
// (and the configured <m3u-hlsr-prefix> alias): verify the chunk token,
// recover the upstream chunk URL it binds, and relay the chunk bytes. Each
// chunk request is independent of any shared-stream broadcast.
func (s *Server) handleHlsChunk(w http.ResponseWriter, r *http.Request) {
	prefix := "/hlsr/"
	if s.HlsPrefix != "" && s.HlsPrefix != "hlsr" && strings.HasPrefix(r.URL.Path, "/"+s.HlsPrefix+"/") {
		prefix = "/" + s.HlsPrefix + "/"
	}
	segs := pathSegments(r.URL.Path, prefix)
	if len(segs) < 5 {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_hls_chunk_path", nil))
		return
	}
	username, password := segs[0], segs[1]
	tok := segs[4]

	if _, ok := s.Accounts.Resolve(username, password); !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_user", nil))
		return
	}

	claim, ok := s.Signer.VerifyChunkToken(tok)
	if !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Forbidden, "verify_chunk_token", nil))
		return
	}
	s.Hls.Put(tok, hlscache.HlsEntry{
		TargetURL:    claim.TargetURL,
		ProviderName: claim.ProviderName,
		VirtualID:    claim.VirtualID,
	})

	upstream, headers, err := s.openUpstream(r.Context(), claim.TargetURL)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Transport, "fetch_chunk", err))
		return
	}
	defer upstream.Close()
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			s.logf("router: hls chunk relay error: %v", err)
			return
		}
	}
}
