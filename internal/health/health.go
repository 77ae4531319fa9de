// Package health probes upstream reachability for the relay's deep health
// check: whether a configured provider URL actually answers, not just
// whether this process is alive.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CheckProvider fetches url (GET, since not every provider supports HEAD)
// and discards the body. Returns nil if the upstream answered 200, an error
// describing the failure otherwise.
func CheckProvider(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("no provider URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}
	return nil
}
