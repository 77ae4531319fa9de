// Package xtream builds the downstream player_api.php JSON responses: the
// reverse of internal/indexer's client-side Xtream parsing. Given the
// catalog's PlaylistItem set for a user, it shapes the same field names the
// teacher's indexer reads on the way in (stream_id, series_id, num,
// container_extension, ...) so that Xtream-compatible clients of this proxy
// see exactly the wire shape the teacher's own ingest path expects upstream.
package xtream

import (
	"fmt"

	"github.com/snapetech/iptv-relay/internal/catalog"
)

// ServerInfo mirrors the `server_info` object every Xtream client reads
// before anything else, confirming the base URL it should use for stream
// requests.
type ServerInfo struct {
	URL            string `json:"url"`
	Port           string `json:"port"`
	HTTPSPort      string `json:"https_port"`
	ServerProtocol string `json:"server_protocol"`
	TimezoneStr    string `json:"timezone"`
	TimeNow        string `json:"time_now"`
}

// UserInfo mirrors the `user_info` object: account status and limits.
type UserInfo struct {
	Username           string `json:"username"`
	Password           string `json:"password"`
	Auth               int    `json:"auth"`
	Status             string `json:"status"`
	ActiveConnections  string `json:"active_cons"`
	MaxConnections     string `json:"max_connections"`
	ExpDate            string `json:"exp_date"`
	IsTrial            string `json:"is_trial"`
	CreatedAt          string `json:"created_at"`
	AllowedOutputFmts  []string `json:"allowed_output_formats"`
}

// AuthResponse is the root object returned for action="" (bare auth check).
type AuthResponse struct {
	UserInfo   UserInfo   `json:"user_info"`
	ServerInfo ServerInfo `json:"server_info"`
}

// Category is one entry in get_live_categories / get_vod_categories / get_series_categories.
type Category struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	ParentID     int    `json:"parent_id"`
}

// LiveStream is one entry in get_live_streams.
type LiveStream struct {
	Num          int    `json:"num"`
	Name         string `json:"name"`
	StreamType   string `json:"stream_type"`
	StreamID     uint32 `json:"stream_id"`
	StreamIcon   string `json:"stream_icon"`
	EPGChannelID string `json:"epg_channel_id"`
	CategoryID   string `json:"category_id"`
	TVArchive    int    `json:"tv_archive"`
}

// VODStream is one entry in get_vod_streams.
type VODStream struct {
	Num               int    `json:"num"`
	Name              string `json:"name"`
	StreamType        string `json:"stream_type"`
	StreamID          uint32 `json:"stream_id"`
	StreamIcon        string `json:"stream_icon"`
	CategoryID        string `json:"category_id"`
	ContainerExtension string `json:"container_extension"`
	Added             string `json:"added"`
}

// SeriesEntry is one entry in get_series.
type SeriesEntry struct {
	Num         int    `json:"num"`
	Name        string `json:"name"`
	SeriesID    uint32 `json:"series_id"`
	Cover       string `json:"cover"`
	CategoryID  string `json:"category_id"`
	ReleaseDate string `json:"releaseDate"`
}

// BuildServerInfo returns the server_info block for baseURL.
func BuildServerInfo(baseURL string, httpsPort string) ServerInfo {
	return ServerInfo{
		URL:            baseURL,
		Port:           "80",
		HTTPSPort:      httpsPort,
		ServerProtocol: "http",
		TimezoneStr:    "UTC",
	}
}

// BuildUserInfo reports account status given live connection counters.
func BuildUserInfo(username, password string, activeConns, maxConns uint32) UserInfo {
	max := "0"
	if maxConns > 0 {
		max = fmt.Sprintf("%d", maxConns)
	}
	return UserInfo{
		Username:          username,
		Password:          password,
		Auth:              1,
		Status:            "Active",
		ActiveConnections: fmt.Sprintf("%d", activeConns),
		MaxConnections:    max,
		AllowedOutputFmts: []string{"m3u8", "ts"},
	}
}

// BuildLiveCategories derives distinct category entries from Live-cluster items.
func BuildLiveCategories(items []catalog.PlaylistItem) []Category {
	return categoriesFor(items, catalog.ClusterLive)
}

// BuildVODCategories derives distinct category entries from Video-cluster items.
func BuildVODCategories(items []catalog.PlaylistItem) []Category {
	return categoriesFor(items, catalog.ClusterVideo)
}

// BuildSeriesCategories derives distinct category entries from Series-cluster items.
func BuildSeriesCategories(items []catalog.PlaylistItem) []Category {
	return categoriesFor(items, catalog.ClusterSeries)
}

func categoriesFor(items []catalog.PlaylistItem, cluster catalog.XtreamCluster) []Category {
	seen := map[string]bool{}
	var out []Category
	for _, it := range items {
		if it.XtreamCluster != cluster {
			continue
		}
		name := it.Category
		if name == "" {
			name = string(cluster)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Category{CategoryID: name, CategoryName: name})
	}
	return out
}

// BuildLiveStreams shapes live-cluster items into the get_live_streams wire format.
func BuildLiveStreams(items []catalog.PlaylistItem) []LiveStream {
	var out []LiveStream
	num := 1
	for _, it := range items {
		if it.XtreamCluster != catalog.ClusterLive {
			continue
		}
		cat := it.Category
		if cat == "" {
			cat = "live"
		}
		out = append(out, LiveStream{
			Num:          num,
			Name:         it.Name,
			StreamType:   "live",
			StreamID:     it.VirtualID,
			EPGChannelID: it.Properties["tvg_id"],
			CategoryID:   cat,
			TVArchive:    boolToInt(it.ItemType == "catchup"),
		})
		num++
	}
	return out
}

// BuildVODStreams shapes video-cluster items into the get_vod_streams wire format.
func BuildVODStreams(items []catalog.PlaylistItem) []VODStream {
	var out []VODStream
	num := 1
	for _, it := range items {
		if it.XtreamCluster != catalog.ClusterVideo {
			continue
		}
		cat := it.Category
		if cat == "" {
			cat = "movies"
		}
		out = append(out, VODStream{
			Num:                num,
			Name:               it.Name,
			StreamType:         "movie",
			StreamID:           it.VirtualID,
			StreamIcon:         it.ArtworkURL,
			CategoryID:         cat,
			ContainerExtension: "mp4",
		})
		num++
	}
	return out
}

// BuildSeries shapes series_info-cluster items into the get_series wire format.
func BuildSeries(items []catalog.PlaylistItem) []SeriesEntry {
	var out []SeriesEntry
	num := 1
	for _, it := range items {
		if it.XtreamCluster != catalog.ClusterSeries || it.ItemType != "series_info" {
			continue
		}
		cat := it.Category
		if cat == "" {
			cat = "series"
		}
		out = append(out, SeriesEntry{
			Num:         num,
			Name:        it.Name,
			SeriesID:    it.VirtualID,
			Cover:       it.ArtworkURL,
			CategoryID:  cat,
			ReleaseDate: fmt.Sprintf("%d", it.Year),
		})
		num++
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
