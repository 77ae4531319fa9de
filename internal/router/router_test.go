package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/snapetech/iptv-relay/internal/accounts"
	"github.com/snapetech/iptv-relay/internal/activeuser"
	"github.com/snapetech/iptv-relay/internal/catalog"
	"github.com/snapetech/iptv-relay/internal/hlscache"
	"github.com/snapetech/iptv-relay/internal/provider"
	"github.com/snapetech/iptv-relay/internal/rescache"
	"github.com/snapetech/iptv-relay/internal/sharedstream"
	"github.com/snapetech/iptv-relay/internal/token"
)

func newTestServer(t *testing.T) (*Server, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(
		filepath.Join(dir, "m3u.db"), filepath.Join(dir, "m3u.idx"), filepath.Join(dir, "id_mapping.db"),
	)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resCache, err := rescache.Open(filepath.Join(dir, "res"), 10*1024*1024)
	if err != nil {
		t.Fatalf("rescache.Open: %v", err)
	}
	t.Cleanup(func() { resCache.Close() })

	hls := hlscache.New()
	t.Cleanup(hls.Close)

	accts := accounts.NewStore()
	accts.Add(accounts.Account{Username: "alice", Password: "secret", MaxConnections: 2, ProxyMode: accounts.Reverse, ProviderGroup: "main"})

	var secret token.Secret
	copy(secret[:], "0123456789abcdef0123456789abcdef")

	srv := &Server{
		Accounts:  accts,
		Providers: map[string]*provider.Group{},
		Catalog:   store,
		Active:    activeuser.NewManager(),
		Shared:    sharedstream.NewRegistry(),
		Hls:       hls,
		Resources: resCache,
		Signer:    token.NewSigner(secret),
		Client:    http.DefaultClient,
		BaseURL:   "http://relay.local:8080",
		HlsPrefix: "hlsr",
	}
	return srv, store
}

func putLiveItem(t *testing.T, store *catalog.Store, name, streamURL string) uint32 {
	t.Helper()
	item := catalog.FromLiveChannel(catalog.LiveChannel{ChannelID: name, GuideName: name, StreamURL: streamURL, TVGID: name + ".id"}, "input1", "live")
	vid, err := store.Put(item)
	if err != nil {
		t.Fatalf("store.Put: %v", err)
	}
	return vid
}

func TestHandlePlayerAPI_UnknownUserRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/player_api.php?username=nope&password=nope", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandlePlayerAPI_AuthReturnsUserInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/player_api.php?username=alice&password=secret", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["user_info"]; !ok {
		t.Fatalf("missing user_info in response: %s", w.Body.String())
	}
}

func TestHandlePlayerAPI_LiveStreamsListsCatalog(t *testing.T) {
	srv, store := newTestServer(t)
	putLiveItem(t, store, "BBC One", "http://upstream.example/bbc.ts")

	req := httptest.NewRequest(http.MethodGet, "/player_api.php?username=alice&password=secret&action=get_live_streams", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !jsonContains(t, w.Body.Bytes(), "BBC One") {
		t.Fatalf("expected channel name in response: %s", w.Body.String())
	}
}

func TestHandleGetM3U_WritesAttachmentPlaylist(t *testing.T) {
	srv, store := newTestServer(t)
	putLiveItem(t, store, "Channel One", "http://upstream.example/one.ts")

	req := httptest.NewRequest(http.MethodGet, "/get.php?username=alice&password=secret&type=m3u_plus", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Content-Disposition") == "" {
		t.Fatalf("expected Content-Disposition header on m3u_plus export")
	}
	if !bytesContainsStr(w.Body.String(), "#EXTM3U") {
		t.Fatalf("missing EXTM3U header: %s", w.Body.String())
	}
	if !bytesContainsStr(w.Body.String(), "http://relay.local:8080/live/alice/secret/") {
		t.Fatalf("missing proxy stream URL: %s", w.Body.String())
	}
}

func TestServeStream_UnknownUserRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/live/ghost/ghost/1.ts", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestServeStream_RedirectModeRedirectsToProvider(t *testing.T) {
	srv, store := newTestServer(t)
	srv.Accounts.Add(accounts.Account{Username: "bob", Password: "pw", MaxConnections: 0, ProxyMode: accounts.Redirect, ProviderGroup: "main"})
	cfg := &provider.Config{ID: 1, Name: "p1", URL: "http://upstream.example", Username: "u", Password: "p", MaxConnections: 0}
	srv.Providers["main"] = &provider.Group{Primary: cfg}

	item := catalog.FromLiveChannel(catalog.LiveChannel{ChannelID: "42", GuideName: "Chan", StreamURL: "http://upstream.example/chan.ts"}, "input1", "live")
	vid, err := store.Put(item)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/live/bob/pw/"+itoa(vid)+".ts", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302, body=%s", w.Code, w.Body.String())
	}
	loc := w.Header().Get("Location")
	if !bytesContainsStr(loc, "http://upstream.example/live/u/p/42.ts") {
		t.Fatalf("unexpected redirect target: %s", loc)
	}
}

func TestServeStream_ProviderExhaustedServesFallback(t *testing.T) {
	srv, store := newTestServer(t)
	srv.Fallbacks = map[string][]byte{"provider_connections_exhausted": []byte("fallback-clip-bytes")}
	cfg := &provider.Config{ID: 1, Name: "p1", URL: "http://upstream.example", MaxConnections: 1}
	cfg.Allocate(false) // occupy the only slot
	srv.Providers["main"] = &provider.Group{Primary: cfg}

	item := catalog.FromLiveChannel(catalog.LiveChannel{ChannelID: "7", GuideName: "Chan", StreamURL: "http://upstream.example/chan.ts"}, "input1", "live")
	vid, err := store.Put(item)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/live/alice/secret/"+itoa(vid)+".ts", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", w.Code, w.Body.String())
	}
	if !bytesContainsStr(w.Body.String(), "fallback-clip-bytes") {
		t.Fatalf("expected fallback clip body, got %q", w.Body.String())
	}
}

func TestServeStream_UserExhaustedReturnsForbidden(t *testing.T) {
	srv, store := newTestServer(t)
	srv.Accounts.Add(accounts.Account{Username: "capped", Password: "pw", MaxConnections: 1, ProxyMode: accounts.Reverse, ProviderGroup: "main"})
	srv.Active.Add("capped") // occupy the one slot already

	item := catalog.FromLiveChannel(catalog.LiveChannel{ChannelID: "9", GuideName: "Chan", StreamURL: "http://upstream.example/chan.ts"}, "input1", "live")
	vid, err := store.Put(item)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/live/capped/pw/"+itoa(vid)+".ts", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleAuthToken_RejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.Form = map[string][]string{"username": {"alice"}, "password": {"wrong"}}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleAuthToken_IssuesVerifiableToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.Form = map[string][]string{"username": {"alice"}, "password": {"secret"}}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !srv.Signer.VerifyAccessToken(resp.Token) {
		t.Fatalf("issued token does not verify")
	}
}

func TestHandleHealth_Shallow(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytesContainsStr(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestHandleHealth_DeepReportsUnreachableProvider(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Providers["main"] = &provider.Group{Primary: &provider.Config{ID: 1, Name: "p1", URL: "http://127.0.0.1:1"}}

	req := httptest.NewRequest(http.MethodGet, "/healthz?deep=1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", w.Code, w.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "degraded" {
		t.Fatalf("status field = %v, want degraded", got["status"])
	}
	providers, _ := got["providers"].(map[string]any)
	if _, ok := providers["main"]; !ok {
		t.Fatalf("expected a result for provider group %q: %v", "main", got)
	}
}

func TestSanitizeURL_RedactsCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/get.php?username=alice&password=secret&type=m3u_plus", nil)
	got := sanitizeURL(req.URL)
	if bytesContainsStr(got, "secret") {
		t.Fatalf("password leaked into sanitized URL: %s", got)
	}
	if !bytesContainsStr(got, "REDACTED") {
		t.Fatalf("expected redaction marker: %s", got)
	}
}

func jsonContains(t *testing.T, body []byte, needle string) bool {
	t.Helper()
	return bytesContainsStr(string(body), needle)
}

func bytesContainsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}
