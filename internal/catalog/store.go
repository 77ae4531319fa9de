package catalog

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/snapetech/iptv-relay/internal/docstore"
	"github.com/snapetech/iptv-relay/internal/idmap"
)

// Store binds a target's virtual-ID mapping (§4.B) to its indexed document
// store (§4.A): Put assigns or reuses a content-addressed virtual ID and
// persists the item under it; Get resolves a virtual ID back to an item.
// This is the request-time read path every stream request goes through
// after the router parses (username, password, stream_id).
type Store struct {
	Docs *docstore.Store
	IDs  *idmap.Mapping
}

// Open opens the paired docstore/idmap files for one target.
func Open(docPath, idxPath, mappingPath string) (*Store, error) {
	docs, err := docstore.Open(docPath, idxPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open docstore: %w", err)
	}
	ids, err := idmap.Load(mappingPath)
	if err != nil {
		docs.Close()
		return nil, fmt.Errorf("catalog: load id mapping: %w", err)
	}
	return &Store{Docs: docs, IDs: ids}, nil
}

// Put assigns item's virtual ID (content-addressed, idempotent across
// ingests) and writes its serialized form to the document store. Returns
// the assigned virtual ID.
func (s *Store) Put(item PlaylistItem) (uint32, error) {
	providerID := uint32(len(item.InputName)) // stable-enough placeholder; real provider ids come from config
	vid := s.IDs.InsertOrGet(item.UUID, providerID, item.ItemType, item.ParentVirtualID)
	item.VirtualID = vid
	payload, err := encodeItem(item)
	if err != nil {
		return 0, fmt.Errorf("catalog: encode item %s: %w", item.UpstreamID, err)
	}
	if err := s.Docs.Write(vid, payload); err != nil {
		return 0, fmt.Errorf("catalog: write item %d: %w", vid, err)
	}
	return vid, nil
}

// Get resolves a virtual ID to its PlaylistItem.
func (s *Store) Get(vid uint32) (PlaylistItem, error) {
	payload, err := s.Docs.Read(vid)
	if err != nil {
		return PlaylistItem{}, err
	}
	return decodeItem(payload)
}

// All decodes every item currently stored, for building playlist/API
// responses that enumerate the whole catalog rather than resolving a single
// virtual ID.
func (s *Store) All() ([]PlaylistItem, error) {
	it, err := s.Docs.Iterate()
	if err != nil {
		return nil, fmt.Errorf("catalog: iterate: %w", err)
	}
	var items []PlaylistItem
	for it.HasNext() {
		_, payload, ok, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("catalog: iterate: %w", err)
		}
		if !ok {
			break
		}
		item, err := decodeItem(payload)
		if err != nil {
			return nil, fmt.Errorf("catalog: decode item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Close persists the id mapping and closes the document store.
func (s *Store) Close() error {
	idErr := s.IDs.Close()
	docErr := s.Docs.Close()
	if idErr != nil {
		return idErr
	}
	return docErr
}

func encodeItem(item PlaylistItem) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeItem(payload []byte) (PlaylistItem, error) {
	var item PlaylistItem
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&item); err != nil {
		return PlaylistItem{}, err
	}
	return item, nil
}
