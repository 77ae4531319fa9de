package router

import (
	"io"
	"net/http"
	"strconv"

	"github.com/snapetech/iptv-relay/internal/proxyerr"
	"github.com/snapetech/iptv-relay/internal/rescache"
)

// resourceField maps the {field} path segment to the attribute it exposes
// on a catalog item.
func resourceField(artworkURL, field string) (string, bool) {
	switch field {
	case "cover", "logo", "icon":
		return artworkURL, true
	default:
		return "", false
	}
}

// handleResource answers GET /resource/m3u/{username}/{password}/{stream_id}/{field}:
// a scoped, cached read-through of an item's auxiliary fields (artwork,
// logos) fronted by an LRU disk cache keyed by URL hash.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/resource/m3u/")
	if len(segs) < 4 {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_resource_path", nil))
		return
	}
	username, password, idSeg, field := segs[0], segs[1], segs[2], segs[3]
	if _, ok := s.Accounts.Resolve(username, password); !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_user", nil))
		return
	}
	vid, err := strconv.ParseUint(idSeg, 10, 32)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "parse_stream_id", err))
		return
	}
	item, err := s.Catalog.Get(uint32(vid))
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.NotFound, "resolve_virtual_id", err))
		return
	}
	targetURL, ok := resourceField(item.ArtworkURL, field)
	if !ok || targetURL == "" {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.NotFound, "resolve_resource_field", nil))
		return
	}

	data, hit, err := s.Resources.Get(targetURL)
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Internal, "read_resource_cache", err))
		return
	}
	if !hit {
		data, err = s.fetchResource(r, targetURL)
		if err != nil {
			s.writeProxyErr(w, r, proxyerr.New(proxyerr.Transport, "fetch_resource", err))
			return
		}
		if err := s.Resources.Put(targetURL, data); err != nil {
			s.logf("router: cache resource %s: %v", targetURL, err)
		}
	}

	w.WriteHeader(http.StatusOK)
	io.Copy(w, rescache.ChunkedReader(data))
}

func (s *Server) fetchResource(r *http.Request, targetURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errStatus(resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
