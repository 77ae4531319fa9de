package pipeline

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"

	"github.com/snapetech/iptv-relay/internal/token"
)

// HlsRewriteParams carries the identity and routing segments needed to
// rewrite a manifest's chunk URLs back into the proxy's own hlsr route.
type HlsRewriteParams struct {
	ManifestURL  string // the upstream URL the manifest text was fetched from
	Username     string
	Password     string
	Channel      string
	Hash         string
	HlsPrefix    string // route prefix, e.g. "hlsr"
	ProviderName string
	VirtualID    uint32
}

// RewriteHlsManifest rewrites every media-segment reference in an HLS
// playlist so it points back at the proxy, signing each one with a chunk
// token. Absolute URLs are kept but token-wrapped; relative paths are
// resolved against manifestURL first; `URI="..."` attributes inside comment
// (#EXT-X-*) lines are rewritten the same way.
func RewriteHlsManifest(body string, signer *token.Signer, params HlsRewriteParams) (string, error) {
	base, err := url.Parse(params.ManifestURL)
	if err != nil {
		return "", fmt.Errorf("pipeline: parse manifest url: %w", err)
	}

	var out strings.Builder
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			out.WriteString(line)
		case strings.HasPrefix(trimmed, "#"):
			out.WriteString(rewriteURIAttribute(line, base, signer, params))
		default:
			rewritten, err := rewriteSegmentLine(trimmed, base, signer, params)
			if err != nil {
				return "", err
			}
			out.WriteString(rewritten)
		}
		out.WriteString("\n")
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("pipeline: scan manifest: %w", err)
	}
	return out.String(), nil
}

func rewriteSegmentLine(target string, base *url.URL, signer *token.Signer, params HlsRewriteParams) (string, error) {
	resolved, err := resolveAgainst(base, target)
	if err != nil {
		return "", err
	}
	return chunkProxyURL(resolved, signer, params), nil
}

func rewriteURIAttribute(line string, base *url.URL, signer *token.Signer, params HlsRewriteParams) string {
	const marker = `URI="`
	idx := strings.Index(line, marker)
	if idx < 0 {
		return line
	}
	start := idx + len(marker)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return line
	}
	end += start
	uri := line[start:end]
	resolved, err := resolveAgainst(base, uri)
	if err != nil {
		return line
	}
	replacement := chunkProxyURL(resolved, signer, params)
	return line[:start] + replacement + line[end:]
}

func resolveAgainst(base *url.URL, target string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("pipeline: parse segment url %q: %w", target, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func chunkProxyURL(targetURL string, signer *token.Signer, params HlsRewriteParams) string {
	tok := signer.ChunkToken(token.ChunkClaim{
		VirtualID:    params.VirtualID,
		ProviderName: params.ProviderName,
		TargetURL:    targetURL,
	})
	return fmt.Sprintf("/%s/%s/%s/%s/%s/%s",
		params.HlsPrefix, params.Username, params.Password, params.Channel, params.Hash, tok)
}
