package router

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/snapetech/iptv-relay/internal/catalog"
	"github.com/snapetech/iptv-relay/internal/m3uwire"
	"github.com/snapetech/iptv-relay/internal/proxyerr"
	"github.com/snapetech/iptv-relay/internal/xtream"
)

// handlePlayerAPI answers GET /player_api.php: Xtream's single-endpoint,
// action-dispatched JSON API.
func (s *Server) handlePlayerAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account, ok := s.Accounts.Resolve(q.Get("username"), q.Get("password"))
	if !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_user", nil))
		return
	}
	items, err := s.Catalog.All()
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Internal, "load_catalog", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch q.Get("action") {
	case "get_live_categories":
		json.NewEncoder(w).Encode(xtream.BuildLiveCategories(items))
	case "get_vod_categories":
		json.NewEncoder(w).Encode(xtream.BuildVODCategories(items))
	case "get_series_categories":
		json.NewEncoder(w).Encode(xtream.BuildSeriesCategories(items))
	case "get_live_streams":
		json.NewEncoder(w).Encode(xtream.BuildLiveStreams(items))
	case "get_vod_streams":
		json.NewEncoder(w).Encode(xtream.BuildVODStreams(items))
	case "get_series":
		json.NewEncoder(w).Encode(xtream.BuildSeries(items))
	default:
		active := s.Active.Current(account.Username)
		resp := xtream.AuthResponse{
			UserInfo:   xtream.BuildUserInfo(account.Username, account.Password, active, account.MaxConnections),
			ServerInfo: xtream.BuildServerInfo(s.BaseURL, "443"),
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// handleGetM3U answers GET/POST /get.php, /apiget, /m3u: the line-format
// playlist export. type=m3u_plus (the default) emits full EXTINF
// attributes and sets a download filename; any other type value emits the
// bare dialect.
func (s *Server) handleGetM3U(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		r.ParseForm()
	}
	q := r.URL.Query()
	username, password := q.Get("username"), q.Get("password")
	if username == "" {
		username = r.FormValue("username")
		password = r.FormValue("password")
	}
	if _, ok := s.Accounts.Resolve(username, password); !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_user", nil))
		return
	}
	items, err := s.Catalog.All()
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Internal, "load_catalog", err))
		return
	}

	outputType := q.Get("type")
	if outputType == "" {
		outputType = r.FormValue("type")
	}

	urlFor := func(item catalog.PlaylistItem) string {
		return s.streamURLFor(username, password, item)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if outputType == "" || outputType == "m3u_plus" {
		w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
		m3uwire.WriteM3UPlus(w, items, urlFor)
		return
	}
	m3uwire.WritePlainM3U(w, items, urlFor)
}

// streamURLFor builds the proxy-facing stream URL a playlist or Xtream API
// response embeds for item, shaped like the indexer's own player_api
// stream-URL construction: /<cluster>/<user>/<pass>/<upstream-id>.<ext>.
func (s *Server) streamURLFor(username, password string, item catalog.PlaylistItem) string {
	cluster := string(item.XtreamCluster)
	switch item.XtreamCluster {
	case catalog.ClusterVideo:
		cluster = "movie"
	case catalog.ClusterSeries:
		cluster = "series"
	default:
		cluster = "live"
	}
	ext := extensionFor(item)
	base := strings.TrimSuffix(s.BaseURL, "/")
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", base, cluster, username, password, item.UpstreamID, ext)
}

// xmltvRoot mirrors the minimal subset of the XMLTV schema this relay emits:
// a channel list with no programme data, since EPG ingestion is out of
// scope for this proxy (providers serve their own /xmltv.php upstream).
type xmltvRoot struct {
	XMLName  xml.Name      `xml:"tv"`
	Channels []xmltvChannl `xml:"channel"`
}

type xmltvChannl struct {
	ID      string `xml:"id,attr"`
	Display string `xml:"display-name"`
}

// handleXMLTV answers GET /xmltv.php with a channel list derived from the
// live-cluster catalog; it does not carry programme data.
func (s *Server) handleXMLTV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if _, ok := s.Accounts.Resolve(q.Get("username"), q.Get("password")); !ok {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Parse, "resolve_user", nil))
		return
	}
	items, err := s.Catalog.All()
	if err != nil {
		s.writeProxyErr(w, r, proxyerr.New(proxyerr.Internal, "load_catalog", err))
		return
	}
	root := xmltvRoot{}
	for _, item := range items {
		if item.XtreamCluster != catalog.ClusterLive {
			continue
		}
		tvgID := item.Properties["tvg_id"]
		if tvgID == "" {
			continue
		}
		root.Channels = append(root.Channels, xmltvChannl{ID: tvgID, Display: item.Name})
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	enc.Encode(root)
}
