// Package m3uwire is the reverse of internal/indexer's M3U parser: given a
// user's resolved PlaylistItem set, it streams the downstream line-format
// playlist body for /get.php, /apiget, and /m3u, in the same #EXTINF dialect
// the teacher's indexer reads on ingest.
package m3uwire

import (
	"fmt"
	"io"

	"github.com/snapetech/iptv-relay/internal/catalog"
)

// StreamURLFunc builds the downstream stream URL for one item, e.g.
// "http://host/live/{user}/{pass}/{virtual_id}.ts".
type StreamURLFunc func(item catalog.PlaylistItem) string

// WriteM3UPlus streams the m3u_plus dialect (tvg-id/tvg-name/group-title
// attributes on #EXTINF) for items to w, terminated by a trailing newline
// per the wire contract.
func WriteM3UPlus(w io.Writer, items []catalog.PlaylistItem, urlFor StreamURLFunc) error {
	if _, err := io.WriteString(w, "#EXTM3U\n"); err != nil {
		return err
	}
	for _, item := range items {
		tvgID := item.Properties["tvg_id"]
		group := item.Category
		if group == "" {
			group = string(item.XtreamCluster)
		}
		line := fmt.Sprintf(
			"#EXTINF:-1 tvg-id=\"%s\" tvg-name=\"%s\" tvg-logo=\"%s\" group-title=\"%s\",%s\n%s\n",
			tvgID, escapeAttr(item.Name), item.ArtworkURL, escapeAttr(group), item.Name, urlFor(item),
		)
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WritePlainM3U streams the bare #EXTINF dialect (no m3u_plus attributes),
// used when the client requests type != "m3u_plus".
func WritePlainM3U(w io.Writer, items []catalog.PlaylistItem, urlFor StreamURLFunc) error {
	if _, err := io.WriteString(w, "#EXTM3U\n"); err != nil {
		return err
	}
	for _, item := range items {
		line := fmt.Sprintf("#EXTINF:-1,%s\n%s\n", item.Name, urlFor(item))
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func escapeAttr(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
