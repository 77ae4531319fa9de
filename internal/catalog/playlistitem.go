package catalog

import (
	"crypto/sha256"
	"fmt"

	"github.com/snapetech/iptv-relay/internal/idmap"
)

// XtreamCluster is the coarse Xtream API grouping a PlaylistItem belongs to.
type XtreamCluster string

const (
	ClusterLive   XtreamCluster = "live"
	ClusterVideo  XtreamCluster = "video"
	ClusterSeries XtreamCluster = "series"
)

// PlaylistItem is the uniform request-time catalog entry every stream
// request resolves against: a virtual-ID-addressed view over whichever
// upstream wire format (line playlist or Xtream JSON) it was ingested from.
// It is immutable once built by the ingest path; the router only reads it.
type PlaylistItem struct {
	UpstreamID string
	UUID       idmap.UUID
	VirtualID  uint32

	Name  string
	Title string
	Group string
	URL   string

	XtreamCluster   XtreamCluster
	ItemType        string // one of idmap's item type codes: live, movie, series, series_info, live_hls, live_dash, live_unknown, catchup
	InputName       string
	ParentVirtualID uint32

	Properties map[string]string

	// Taxonomy, populated by ApplyVODTaxonomy for Video/Series clusters.
	Category             string
	Region               string
	Language             string
	SourceTag            string
	Year                 int
	ArtworkURL           string
	ProviderCategoryID   string
	ProviderCategoryName string
}

// ContentHash derives the content-addressed UUID this item would map to:
// sha256 over (input name, item type, stable URL or name), matching §8.6's
// requirement that identical upstream content regenerate identical IDs
// across independent ingests.
func ContentHash(inputName, itemType, stableKey string) idmap.UUID {
	return sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s", inputName, itemType, stableKey)))
}

// FromMovie converts an ingested Movie into a Video-cluster PlaylistItem.
func FromMovie(m Movie, inputName string) PlaylistItem {
	return PlaylistItem{
		UpstreamID:           m.ID,
		UUID:                 ContentHash(inputName, "movie", m.StreamURL),
		Name:                 m.Title,
		Title:                m.Title,
		URL:                  m.StreamURL,
		XtreamCluster:        ClusterVideo,
		ItemType:             "movie",
		InputName:            inputName,
		Category:             m.Category,
		Region:               m.Region,
		Language:             m.Language,
		SourceTag:            m.SourceTag,
		Year:                 m.Year,
		ArtworkURL:           m.ArtworkURL,
		ProviderCategoryID:   m.ProviderCategoryID,
		ProviderCategoryName: m.ProviderCategoryName,
	}
}

// FromSeries converts an ingested Series into a series-info PlaylistItem
// plus one episode PlaylistItem per season/episode, linked via
// ParentVirtualID once virtual IDs are assigned by the caller.
func FromSeries(s Series, inputName string) (info PlaylistItem, episodes []PlaylistItem) {
	info = PlaylistItem{
		UpstreamID:           s.ID,
		UUID:                 ContentHash(inputName, "series_info", s.ID),
		Name:                 s.Title,
		Title:                s.Title,
		XtreamCluster:        ClusterSeries,
		ItemType:             "series_info",
		InputName:            inputName,
		Category:             s.Category,
		Region:               s.Region,
		Language:             s.Language,
		SourceTag:            s.SourceTag,
		Year:                 s.Year,
		ArtworkURL:           s.ArtworkURL,
		ProviderCategoryID:   s.ProviderCategoryID,
		ProviderCategoryName: s.ProviderCategoryName,
	}
	for _, season := range s.Seasons {
		for _, ep := range season.Episodes {
			episodes = append(episodes, PlaylistItem{
				UpstreamID:    ep.ID,
				UUID:          ContentHash(inputName, "series", ep.StreamURL),
				Name:          ep.Title,
				Title:         fmt.Sprintf("S%02dE%02d %s", ep.SeasonNum, ep.EpisodeNum, ep.Title),
				URL:           ep.StreamURL,
				XtreamCluster: ClusterSeries,
				ItemType:      "series",
				InputName:     inputName,
			})
		}
	}
	return info, episodes
}

// FromLiveChannel converts an ingested LiveChannel into a Live-cluster
// PlaylistItem. itemType should be "live", "live_hls", "live_dash", or
// "live_unknown" per the upstream stream-type probe.
func FromLiveChannel(c LiveChannel, inputName, itemType string) PlaylistItem {
	if itemType == "" {
		itemType = "live_unknown"
	}
	return PlaylistItem{
		UpstreamID:    c.ChannelID,
		UUID:          ContentHash(inputName, itemType, c.StreamURL),
		Name:          c.GuideName,
		Title:         c.GuideName,
		URL:           c.StreamURL,
		XtreamCluster: ClusterLive,
		ItemType:      itemType,
		InputName:     inputName,
		Properties: map[string]string{
			"tvg_id": c.TVGID,
		},
	}
}
