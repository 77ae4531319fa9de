// Package idmap maintains the stable bijection between upstream content and
// proxy-issued virtual IDs: (upstream-id, item-type, content-hash) -> virtual-id.
// The mapping is content-addressed, so repeated ingests of identical upstream
// data regenerate identical virtual IDs (§8.6 of the core spec).
package idmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// UUID is a content hash: sha256 over (provider id, item type, stable URL/name).
type UUID [32]byte

// Record is one persisted virtual-ID mapping entry.
type Record struct {
	VirtualID       uint32
	ProviderID      uint32
	UUID            UUID
	ItemType        string
	ParentVirtualID uint32
	LastUpdated     int64 // unix seconds
}

// Mapping is the per-target virtual-ID table: a sorted view by virtual ID and
// a hash view by content UUID over the same records.
type Mapping struct {
	mu      sync.Mutex
	path    string
	byVID   map[uint32]Record
	byUUID  map[UUID]uint32
	counter uint32
	dirty   bool
}

// Load reads the persisted mapping at path, or returns an empty mapping if
// the file does not exist yet.
func Load(path string) (*Mapping, error) {
	m := &Mapping{
		path:   path,
		byVID:  make(map[uint32]Record),
		byUUID: make(map[UUID]uint32),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("idmap: open %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("idmap: read %s: %w", path, err)
		}
		m.byVID[rec.VirtualID] = rec
		m.byUUID[rec.UUID] = rec.VirtualID
		if rec.VirtualID > m.counter {
			m.counter = rec.VirtualID
		}
	}
	return m, nil
}

const recordSize = 4 + 4 + 32 + 1 + 4 + 8 // vid, provider, uuid, itemtype-len-capped-byte-tag, parent, ts

// itemTypeCodes keeps the persisted format fixed-width: item type is one of
// a small closed set (§3 PlaylistItem), encoded as a single byte.
var itemTypeCodes = []string{"live", "movie", "series", "series_info", "live_hls", "live_dash", "live_unknown", "catchup"}

func itemTypeToCode(t string) byte {
	for i, v := range itemTypeCodes {
		if v == t {
			return byte(i)
		}
	}
	return 0xFF
}

func codeToItemType(c byte) string {
	if int(c) < len(itemTypeCodes) {
		return itemTypeCodes[c]
	}
	return "unknown"
}

func readRecord(r *bufio.Reader) (Record, error) {
	var buf [recordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Record{}, err
	}
	var rec Record
	rec.VirtualID = binary.LittleEndian.Uint32(buf[0:4])
	rec.ProviderID = binary.LittleEndian.Uint32(buf[4:8])
	copy(rec.UUID[:], buf[8:40])
	rec.ItemType = codeToItemType(buf[40])
	rec.ParentVirtualID = binary.LittleEndian.Uint32(buf[41:45])
	rec.LastUpdated = int64(binary.LittleEndian.Uint64(buf[45:53]))
	return rec, nil
}

func writeRecord(w io.Writer, rec Record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], rec.VirtualID)
	binary.LittleEndian.PutUint32(buf[4:8], rec.ProviderID)
	copy(buf[8:40], rec.UUID[:])
	buf[40] = itemTypeToCode(rec.ItemType)
	binary.LittleEndian.PutUint32(buf[41:45], rec.ParentVirtualID)
	binary.LittleEndian.PutUint64(buf[45:53], uint64(rec.LastUpdated))
	_, err := w.Write(buf[:])
	return err
}

// InsertOrGet returns the virtual ID for uuid, assigning and persisting a new
// one if this content hasn't been seen before. Idempotent: repeated calls
// with the same uuid always return the same virtual ID (§8.6).
func (m *Mapping) InsertOrGet(uuid UUID, providerID uint32, itemType string, parentVID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vid, ok := m.byUUID[uuid]; ok {
		return vid
	}
	m.counter++
	vid := m.counter
	rec := Record{
		VirtualID:       vid,
		ProviderID:      providerID,
		UUID:            uuid,
		ItemType:        itemType,
		ParentVirtualID: parentVID,
		LastUpdated:     time.Now().Unix(),
	}
	m.byVID[vid] = rec
	m.byUUID[uuid] = vid
	m.dirty = true
	return vid
}

// Get returns the record for a virtual ID.
func (m *Mapping) Get(vid uint32) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byVID[vid]
	return rec, ok
}

// Persist writes the mapping to disk under an exclusive file-lock guard that
// also excludes the ingest collaborator's writer, so the two never interleave
// partial updates. No-op (beyond acquiring/releasing the guard) if nothing changed.
func (m *Mapping) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

func (m *Mapping) persistLocked() error {
	if !m.dirty {
		return nil
	}
	guard, err := acquireFileGuard(m.path + ".lock")
	if err != nil {
		return err
	}
	defer guard.release()

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".id_mapping-*.tmp")
	if err != nil {
		return fmt.Errorf("idmap: create temp: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)

	ids := make([]uint32, 0, len(m.byVID))
	for vid := range m.byVID {
		ids = append(ids, vid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var writeErr error
	for _, vid := range ids {
		if writeErr = writeRecord(w, m.byVID[vid]); writeErr != nil {
			break
		}
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("idmap: write: %w", writeErr)
		}
		return fmt.Errorf("idmap: close temp: %w", closeErr)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("idmap: rename: %w", err)
	}
	m.dirty = false
	return nil
}

// Close persists any pending mutations, mirroring the "persist on drop"
// contract of §4.B.
func (m *Mapping) Close() error {
	return m.Persist()
}

// Len returns the number of mapped items.
func (m *Mapping) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byVID)
}
