package catalog

import (
	"path/filepath"
	"testing"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(
		filepath.Join(dir, "xtream_vod_info.db"),
		filepath.Join(dir, "xtream_vod_info.idx"),
		filepath.Join(dir, "id_mapping.db"),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTempStore(t)
	item := FromMovie(Movie{ID: "m1", Title: "Some Movie", StreamURL: "http://provider/movie/m1.mp4", Year: 2020}, "inputA")
	vid, err := s.Put(item)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(vid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Some Movie" || got.ItemType != "movie" || got.XtreamCluster != ClusterVideo {
		t.Fatalf("unexpected round-tripped item: %+v", got)
	}
	if got.VirtualID != vid {
		t.Fatalf("VirtualID mismatch: got %d, want %d", got.VirtualID, vid)
	}
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	s := openTempStore(t)
	item := FromMovie(Movie{ID: "m1", Title: "Movie", StreamURL: "http://provider/x.mp4"}, "inputA")
	vid1, err := s.Put(item)
	if err != nil {
		t.Fatal(err)
	}
	vid2, err := s.Put(item)
	if err != nil {
		t.Fatal(err)
	}
	if vid1 != vid2 {
		t.Fatalf("expected idempotent virtual id, got %d != %d", vid1, vid2)
	}
}

func TestFromSeriesLinksEpisodesToInfo(t *testing.T) {
	s := openTempStore(t)
	series := Series{
		ID:    "s1",
		Title: "Some Show",
		Seasons: []Season{
			{Number: 1, Episodes: []Episode{
				{ID: "e1", SeasonNum: 1, EpisodeNum: 1, Title: "Pilot", StreamURL: "http://provider/s1e1.mp4"},
			}},
		},
	}
	info, episodes := FromSeries(series, "inputA")
	infoVID, err := s.Put(info)
	if err != nil {
		t.Fatal(err)
	}
	if len(episodes) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(episodes))
	}
	episodes[0].ParentVirtualID = infoVID
	epVID, err := s.Put(episodes[0])
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(epVID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentVirtualID != infoVID {
		t.Fatalf("episode parent link = %d, want %d", got.ParentVirtualID, infoVID)
	}
	if got.Title != "S01E01 Pilot" {
		t.Fatalf("unexpected episode title: %q", got.Title)
	}
}
