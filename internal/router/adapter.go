package router

import (
	"context"
	"io"
	"net/http"

	"github.com/snapetech/iptv-relay/internal/sharedstream"
)

// subscriptionReader adapts a sharedstream.Subscription to pipeline.ChunkReader
// so a shared broadcast can feed the same adapter chain a direct upstream
// read would.
type subscriptionReader struct {
	sub *sharedstream.Subscription
}

func newSubscriptionReader(sub *sharedstream.Subscription) *subscriptionReader {
	return &subscriptionReader{sub: sub}
}

func (r *subscriptionReader) Next() ([]byte, error) {
	chunk, ok := r.sub.Receive()
	if !ok {
		return nil, io.EOF
	}
	if chunk.Err != nil {
		return nil, chunk.Err
	}
	return chunk.Data, nil
}

// openUpstream issues the upstream GET and wraps the response body as a
// sharedstream.Upstream, returning the headers worth replaying to
// subscribers (Content-Type and any others the provider set). ctx must
// outlive the founding client's own request — it governs a shared-stream
// producer that keeps running for every other subscriber after the first
// client disconnects, so callers must not pass a single request's
// r.Context() here.
func (s *Server) openUpstream(ctx context.Context, targetURL string) (sharedstream.Upstream, map[string][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, nil, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, nil, errStatus(resp.StatusCode)
	}
	headers := map[string][]string{}
	for _, k := range []string{"Content-Type", "Accept-Ranges"} {
		if v := resp.Header.Get(k); v != "" {
			headers[k] = []string{v}
		}
	}
	return resp.Body, headers, nil
}

type statusError int

func (e statusError) Error() string {
	return http.StatusText(int(e))
}

func errStatus(code int) error {
	return statusError(code)
}
