// Command iptv-relay serves the Xtream- and M3U-client-facing reverse proxy:
// it ingests one or more upstream providers into a local catalog, then fronts
// playback with redirect or reverse proxying, shared-stream fan-out, and HLS
// manifest rewriting.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/iptv-relay/internal/accounts"
	"github.com/snapetech/iptv-relay/internal/activeuser"
	"github.com/snapetech/iptv-relay/internal/catalog"
	"github.com/snapetech/iptv-relay/internal/config"
	"github.com/snapetech/iptv-relay/internal/hlscache"
	"github.com/snapetech/iptv-relay/internal/httpclient"
	"github.com/snapetech/iptv-relay/internal/indexer"
	"github.com/snapetech/iptv-relay/internal/metrics"
	"github.com/snapetech/iptv-relay/internal/rescache"
	"github.com/snapetech/iptv-relay/internal/router"
	"github.com/snapetech/iptv-relay/internal/sharedstream"
	"github.com/snapetech/iptv-relay/internal/token"
)

const shutdownGrace = 10 * time.Second

func main() {
	dataDir := flag.String("data", "./data", "directory for the catalog, resource cache, and derived state")
	ingestM3U := flag.String("ingest-m3u", "", "M3U URL to ingest into the catalog at startup (optional)")
	ingestAPIBase := flag.String("ingest-api", "", "Xtream player_api base URL to ingest at startup (optional)")
	ingestAPIUser := flag.String("ingest-api-user", "", "Xtream API username for -ingest-api")
	ingestAPIPass := flag.String("ingest-api-pass", "", "Xtream API password for -ingest-api")
	ingestInputName := flag.String("ingest-input-name", "default", "input name recorded against ingested items")
	vodLanesDir := flag.String("vod-lanes-dir", "", "optional directory to write split per-category VOD lane JSON files on ingest")
	flag.Parse()

	cfg := config.Load()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("iptv-relay: create data dir: %v", err)
	}

	cat, err := catalog.Open(
		filepath.Join(*dataDir, "catalog.db"),
		filepath.Join(*dataDir, "catalog.idx"),
		filepath.Join(*dataDir, "id_mapping.db"),
	)
	if err != nil {
		log.Fatalf("iptv-relay: open catalog: %v", err)
	}
	defer cat.Close()

	client := httpclient.Default()

	switch {
	case *ingestM3U != "":
		ingestM3UPlaylist(cat, cfg, *ingestM3U, *ingestInputName, *vodLanesDir, client)
	case *ingestAPIBase != "" && *ingestAPIUser != "" && *ingestAPIPass != "":
		ingestPlayerAPI(cat, cfg, *ingestAPIBase, *ingestAPIUser, *ingestAPIPass, *ingestInputName, *vodLanesDir, client)
	default:
		ingestFromConfig(cat, cfg, *ingestInputName, *vodLanesDir, client)
	}

	accts, err := accounts.LoadFile(cfg.AccountsFile)
	if err != nil {
		log.Fatalf("iptv-relay: load accounts file %s: %v", cfg.AccountsFile, err)
	}
	log.Printf("iptv-relay: loaded %d accounts from %s", accts.Len(), cfg.AccountsFile)

	groups, err := config.LoadProviderGroupsFile(cfg.ProviderGroupsFile)
	if err != nil {
		log.Fatalf("iptv-relay: load provider groups file %s: %v", cfg.ProviderGroupsFile, err)
	}
	log.Printf("iptv-relay: loaded %d provider groups from %s", len(groups), cfg.ProviderGroupsFile)

	resCache, err := rescache.Open(filepath.Join(*dataDir, "resources"), 512*1024*1024)
	if err != nil {
		log.Fatalf("iptv-relay: open resource cache: %v", err)
	}
	defer resCache.Close()

	hls := hlscache.New()
	defer hls.Close()

	secret, err := loadOrGenerateSecret(cfg.TokenSecretFile)
	if err != nil {
		log.Fatalf("iptv-relay: load token secret: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	srv := &router.Server{
		Accounts:  accts,
		Providers: groups,
		Catalog:   cat,
		Active:    activeuser.NewManager(),
		Shared:    sharedstream.NewRegistry(),
		Hls:       hls,
		Resources: resCache,
		Signer:    token.NewSigner(secret),
		Client:    client,
		BaseURL:   cfg.RelayBaseURL,
		HlsPrefix: cfg.RelayHlsPrefix,
		WebRoot:   cfg.RelayWebRoot,
		Fallbacks: loadFallbackClips(cfg.FallbackClipDir),
		Logger:    log.Default(),
	}

	httpSrv := &http.Server{Addr: cfg.RelayAddr, Handler: srv.Handler()}
	go func() {
		log.Printf("iptv-relay: listening on %s", cfg.RelayAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("iptv-relay: http: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Print("iptv-relay: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("iptv-relay: shutdown: %v", err)
	}
}

func ingestM3UPlaylist(cat *catalog.Store, cfg *config.Config, m3uURL, inputName, vodLanesDir string, client *http.Client) {
	movies, series, live, err := indexer.ParseM3U(m3uURL, client)
	if err != nil {
		log.Printf("iptv-relay: ingest M3U %s: %v", m3uURL, err)
		return
	}
	movies, series, live = finishIngest(cfg, movies, series, live, vodLanesDir, client)
	putAll(cat, movies, series, live, inputName)
	log.Printf("iptv-relay: ingested M3U %s: %d movies, %d series, %d live", m3uURL, len(movies), len(series), len(live))
}

func ingestPlayerAPI(cat *catalog.Store, cfg *config.Config, apiBase, user, pass, inputName, vodLanesDir string, client *http.Client) {
	movies, series, live, err := indexer.IndexFromPlayerAPI(apiBase, user, pass, "ts", false, nil, client)
	if err != nil {
		log.Printf("iptv-relay: ingest player_api %s: %v", apiBase, err)
		return
	}
	movies, series, live = finishIngest(cfg, movies, series, live, vodLanesDir, client)
	putAll(cat, movies, series, live, inputName)
	log.Printf("iptv-relay: ingested player_api %s: %d movies, %d series, %d live", apiBase, len(movies), len(series), len(live))
}

// ingestFromConfig ingests from PLEX_TUNER_* environment settings when neither
// -ingest-m3u nor -ingest-api was passed on the command line: a full M3U URL
// (or one built from provider base + credentials) if configured, falling back
// to one player_api pull per PLEX_TUNER_PROVIDER_URLS entry.
func ingestFromConfig(cat *catalog.Store, cfg *config.Config, inputName, vodLanesDir string, client *http.Client) {
	if urls := cfg.M3UURLsOrBuild(); len(urls) > 0 {
		for _, u := range urls {
			ingestM3UPlaylist(cat, cfg, u, inputName, vodLanesDir, client)
		}
		return
	}
	if cfg.ProviderUser == "" || cfg.ProviderPass == "" {
		return
	}
	for _, base := range cfg.ProviderURLs() {
		ingestPlayerAPI(cat, cfg, base, cfg.ProviderUser, cfg.ProviderPass, inputName, vodLanesDir, client)
	}
}

// finishIngest applies the post-parse pipeline shared by every ingest path:
// optional live-channel smoketesting, VOD taxonomy enrichment, and optional
// per-category lane export.
func finishIngest(cfg *config.Config, movies []catalog.Movie, series []catalog.Series, live []catalog.LiveChannel, vodLanesDir string, client *http.Client) ([]catalog.Movie, []catalog.Series, []catalog.LiveChannel) {
	if cfg.LiveEPGOnly {
		live = filterEPGLinked(live)
	}
	if cfg.SmoketestEnabled {
		live = applySmoketest(cfg, live, client)
	}
	movies, series = catalog.ApplyVODTaxonomy(movies, series)
	if vodLanesDir != "" {
		lanes := catalog.SplitVODIntoLanes(movies, series)
		written, err := catalog.SaveVODLanes(vodLanesDir, lanes)
		if err != nil {
			log.Printf("iptv-relay: save VOD lanes to %s: %v", vodLanesDir, err)
		} else {
			log.Printf("iptv-relay: wrote %d VOD lane files to %s", len(written), vodLanesDir)
		}
	}
	return movies, series, live
}

// filterEPGLinked keeps only channels carrying an EPG tvg-id, matching
// PLEX_TUNER_LIVE_EPG_ONLY.
func filterEPGLinked(live []catalog.LiveChannel) []catalog.LiveChannel {
	out := make([]catalog.LiveChannel, 0, len(live))
	for _, c := range live {
		if c.EPGLinked {
			out = append(out, c)
		}
	}
	return out
}

// applySmoketest probes live.StreamURL reachability, consulting and updating
// the on-disk probe cache configured by PLEX_TUNER_SMOKETEST_CACHE_FILE so a
// channel confirmed live recently isn't re-probed on every ingest.
func applySmoketest(cfg *config.Config, live []catalog.LiveChannel, client *http.Client) []catalog.LiveChannel {
	cache := indexer.LoadSmoketestCache(cfg.SmoketestCacheFile)
	kept := indexer.FilterLiveBySmoketestWithCache(live, cache, cfg.SmoketestCacheTTL, client, cfg.SmoketestTimeout, cfg.SmoketestConcurrency, cfg.SmoketestMaxChannels, cfg.SmoketestMaxDuration)
	if err := cache.Save(cfg.SmoketestCacheFile); err != nil {
		log.Printf("iptv-relay: save smoketest cache: %v", err)
	}
	log.Printf("iptv-relay: smoketest kept %d/%d live channels", len(kept), len(live))
	return kept
}

// putAll converts the ingest-side catalog types into PlaylistItems and stores
// them, linking series episodes to their series_info parent the way
// catalog.FromSeries shapes them.
func putAll(cat *catalog.Store, movies []catalog.Movie, series []catalog.Series, live []catalog.LiveChannel, inputName string) {
	for _, m := range movies {
		if _, err := cat.Put(catalog.FromMovie(m, inputName)); err != nil {
			log.Printf("iptv-relay: store movie %q: %v", m.Title, err)
		}
	}
	for _, s := range series {
		info, episodes := catalog.FromSeries(s, inputName)
		if _, err := cat.Put(info); err != nil {
			log.Printf("iptv-relay: store series %q: %v", s.Title, err)
			continue
		}
		for _, ep := range episodes {
			if _, err := cat.Put(ep); err != nil {
				log.Printf("iptv-relay: store episode of %q: %v", s.Title, err)
			}
		}
	}
	for _, c := range live {
		if _, err := cat.Put(catalog.FromLiveChannel(c, inputName, "live")); err != nil {
			log.Printf("iptv-relay: store channel %q: %v", c.GuideName, err)
		}
	}
}

func loadOrGenerateSecret(path string) (token.Secret, error) {
	var secret token.Secret
	if path == "" {
		if _, err := rand.Read(secret[:]); err != nil {
			return secret, err
		}
		log.Print("iptv-relay: no token secret file configured, using an ephemeral secret (tokens will not survive a restart)")
		return secret, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if _, err := rand.Read(secret[:]); err != nil {
			return secret, err
		}
		if err := os.WriteFile(path, secret[:], 0o600); err != nil {
			return secret, err
		}
		return secret, nil
	}
	if err != nil {
		return secret, err
	}
	copy(secret[:], data)
	return secret, nil
}

func loadFallbackClips(dir string) map[string][]byte {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("iptv-relay: read fallback clip dir %s: %v", dir, err)
		return nil
	}
	clips := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		reason := name[:len(name)-len(filepath.Ext(name))]
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Printf("iptv-relay: read fallback clip %s: %v", name, err)
			continue
		}
		clips[reason] = data
	}
	return clips
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("iptv-relay: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("iptv-relay: metrics server: %v", err)
	}
}
