// Package docstore implements the append-only record file + fixed-width
// offset index that backs random-access catalog lookups by virtual ID.
//
// Wire format:
//
//	<db>:  byte 0 = fragmented flag (0x01 once an in-place update has
//	       orphaned bytes); then repeating `u32 length | length bytes`.
//	<idx>: repeating fixed-size `u32 offset | u16 size`, record i at
//	       byte i*6 so a virtual ID maps directly to an index offset.
package docstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const dbHeaderSize = 1

// ErrNotFound is returned by Read when the virtual ID has no record.
var ErrNotFound = fmt.Errorf("docstore: not found")

// ErrCorrupt is returned when a record's declared length does not fit the file.
var ErrCorrupt = fmt.Errorf("docstore: corrupt record")

// Store is one <db>/<idx> pair. Safe for concurrent use: reads take a
// read-lock, writes and GC take a write-lock for the duration of their
// critical section (GC holds it for the whole compaction).
type Store struct {
	dbPath  string
	idxPath string

	mu         sync.RWMutex
	db         *os.File
	idx        *os.File
	nextOffset int64
	fragmented bool
}

// Open opens (creating if absent) the db/idx pair at the given paths.
func Open(dbPath, idxPath string) (*Store, error) {
	db, created, err := openOrCreate(dbPath)
	if err != nil {
		return nil, fmt.Errorf("docstore: open db: %w", err)
	}
	idx, _, err := openOrCreate(idxPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: open idx: %w", err)
	}
	s := &Store{dbPath: dbPath, idxPath: idxPath, db: db, idx: idx}
	if created {
		if _, err := db.WriteAt([]byte{0}, 0); err != nil {
			db.Close()
			idx.Close()
			return nil, fmt.Errorf("docstore: init header: %w", err)
		}
		s.nextOffset = dbHeaderSize
		return s, nil
	}
	var hdr [1]byte
	if _, err := db.ReadAt(hdr[:], 0); err != nil && err != io.EOF {
		db.Close()
		idx.Close()
		return nil, fmt.Errorf("docstore: read header: %w", err)
	}
	s.fragmented = hdr[0] != 0
	info, err := db.Stat()
	if err != nil {
		db.Close()
		idx.Close()
		return nil, err
	}
	s.nextOffset = info.Size()
	if s.nextOffset < dbHeaderSize {
		s.nextOffset = dbHeaderSize
	}
	return s, nil
}

func openOrCreate(path string) (*os.File, bool, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		return f, false, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	return f, true, err
}

// Close flushes and closes both underlying files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.db.Close()
	err2 := s.idx.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Write appends payload as the record for virtualID. If virtualID already
// had a record, the old bytes are not reclaimed: the fragmented flag is set
// and the index entry is rewritten to point at the new offset.
func (s *Store) Write(virtualID uint32, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("docstore: payload too large (%d bytes, max 65535)", len(payload))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readIndexLocked(virtualID)
	if err != nil {
		return err
	}

	offset := s.nextOffset
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := s.db.WriteAt(lenBuf[:], offset); err != nil {
		return fmt.Errorf("docstore: write length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := s.db.WriteAt(payload, offset+4); err != nil {
			return fmt.Errorf("docstore: write payload: %w", err)
		}
	}
	s.nextOffset = offset + 4 + int64(len(payload))

	if !prev.isEmpty() && !s.fragmented {
		if _, err := s.db.WriteAt([]byte{1}, 0); err != nil {
			return fmt.Errorf("docstore: set fragmented flag: %w", err)
		}
		s.fragmented = true
	}

	rec := indexRecord{offset: uint32(offset), size: uint16(len(payload))}
	enc := encodeIndexRecord(rec)
	if _, err := s.idx.WriteAt(enc[:], indexOffsetFor(virtualID)); err != nil {
		return fmt.Errorf("docstore: write index: %w", err)
	}
	return nil
}

// Read returns the record for virtualID, or ErrNotFound.
func (s *Store) Read(virtualID uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.readIndexLocked(virtualID)
	if err != nil {
		return nil, err
	}
	if rec.isEmpty() {
		return nil, ErrNotFound
	}
	return s.readRecordLocked(rec)
}

func (s *Store) readIndexLocked(virtualID uint32) (indexRecord, error) {
	var buf [indexRecordSize]byte
	n, err := s.idx.ReadAt(buf[:], indexOffsetFor(virtualID))
	if err != nil && err != io.EOF {
		return indexRecord{}, fmt.Errorf("docstore: read index: %w", err)
	}
	if n < indexRecordSize {
		return indexRecord{}, nil // short/absent read past EOF: treat as empty slot
	}
	return decodeIndexRecord(buf[:]), nil
}

func (s *Store) readRecordLocked(rec indexRecord) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := s.db.ReadAt(lenBuf[:], int64(rec.offset)); err != nil {
		return nil, fmt.Errorf("docstore: read length: %w", err)
	}
	declared := binary.LittleEndian.Uint32(lenBuf[:])
	if declared != uint32(rec.size) {
		return nil, ErrCorrupt
	}
	if declared == 0 {
		return nil, nil
	}
	payload := make([]byte, declared)
	if _, err := s.db.ReadAt(payload, int64(rec.offset)+4); err != nil {
		return nil, fmt.Errorf("docstore: read payload: %w", err)
	}
	return payload, nil
}

// Fragmented reports whether the store has orphaned bytes and would benefit from GC.
func (s *Store) Fragmented() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fragmented
}

// Iterator scans the index sequentially.
type Iterator struct {
	s      *Store
	idxLen int64
	cursor int64
}

// Iterate returns an iterator over all index slots (including empty ones,
// which Next skips transparently).
func (s *Store) Iterate() (*Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := s.idx.Stat()
	if err != nil {
		return nil, err
	}
	return &Iterator{s: s, idxLen: info.Size()}, nil
}

// HasNext reports whether another record remains, without consuming it.
func (it *Iterator) HasNext() bool {
	return it.cursor < it.idxLen
}

// Next returns the next non-empty (virtualID, payload). ok is false once
// exhausted. err surfaces corrupt records; iteration aborts on error.
func (it *Iterator) Next() (virtualID uint32, payload []byte, ok bool, err error) {
	for it.cursor+indexRecordSize <= it.idxLen {
		slot := it.cursor / indexRecordSize
		it.s.mu.RLock()
		rec, rerr := it.s.readIndexLocked(uint32(slot))
		it.cursor += indexRecordSize
		if rerr != nil {
			it.s.mu.RUnlock()
			return 0, nil, false, rerr
		}
		if rec.isEmpty() {
			it.s.mu.RUnlock()
			continue
		}
		payload, rerr = it.s.readRecordLocked(rec)
		it.s.mu.RUnlock()
		if rerr != nil {
			return 0, nil, false, rerr
		}
		return uint32(slot), payload, true, nil
	}
	return 0, nil, false, nil
}

// GC compacts the store when fragmented: live records (reachable via <idx>)
// are copied to <db>.gc in index order, <idx>.gc is rebuilt alongside, and
// both files are atomically renamed over the originals. No-op if not
// fragmented. Holds the write lock for the whole compaction.
func (s *Store) GC() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fragmented {
		return nil
	}

	gcDBPath := s.dbPath + ".gc"
	gcIdxPath := s.idxPath + ".gc"
	gcDB, err := os.OpenFile(gcDBPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("docstore: gc create db: %w", err)
	}
	gcIdx, err := os.OpenFile(gcIdxPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		gcDB.Close()
		return fmt.Errorf("docstore: gc create idx: %w", err)
	}

	w := bufio.NewWriter(gcDB)
	if err := w.WriteByte(0); err != nil {
		return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
	}
	offset := int64(dbHeaderSize)

	info, err := s.idx.Stat()
	if err != nil {
		return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
	}
	count := info.Size() / indexRecordSize
	for slot := int64(0); slot < count; slot++ {
		rec, err := s.readIndexLocked(uint32(slot))
		if err != nil {
			return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
		}
		if rec.isEmpty() {
			continue
		}
		payload, err := s.readRecordLocked(rec)
		if err != nil {
			return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
		}
		if _, err := w.Write(payload); err != nil {
			return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
		}
		newRec := encodeIndexRecord(indexRecord{offset: uint32(offset), size: uint16(len(payload))})
		if _, err := gcIdx.WriteAt(newRec[:], indexOffsetFor(uint32(slot))); err != nil {
			return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
		}
		offset += 4 + int64(len(payload))
	}
	if err := w.Flush(); err != nil {
		return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
	}
	if err := gcDB.Sync(); err != nil {
		return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
	}
	if err := gcIdx.Sync(); err != nil {
		return s.gcFail(gcDB, gcIdx, gcDBPath, gcIdxPath, err)
	}
	gcDB.Close()
	gcIdx.Close()
	s.db.Close()
	s.idx.Close()

	if err := os.Rename(gcDBPath, s.dbPath); err != nil {
		return fmt.Errorf("docstore: gc rename db: %w", err)
	}
	if err := os.Rename(gcIdxPath, s.idxPath); err != nil {
		return fmt.Errorf("docstore: gc rename idx: %w", err)
	}

	db, err := os.OpenFile(s.dbPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("docstore: gc reopen db: %w", err)
	}
	idx, err := os.OpenFile(s.idxPath, os.O_RDWR, 0o644)
	if err != nil {
		db.Close()
		return fmt.Errorf("docstore: gc reopen idx: %w", err)
	}
	s.db = db
	s.idx = idx
	s.nextOffset = offset
	s.fragmented = false
	return nil
}

func (s *Store) gcFail(gcDB, gcIdx *os.File, gcDBPath, gcIdxPath string, cause error) error {
	gcDB.Close()
	gcIdx.Close()
	os.Remove(gcDBPath)
	os.Remove(gcIdxPath)
	return fmt.Errorf("docstore: gc failed: %w", cause)
}
