package idmap

import (
	"fmt"
	"os"
	"syscall"
)

// fileGuard is an advisory exclusive lock on a side-car ".lock" file, used to
// serialize a request's mutations against the ingest collaborator's writer
// process. It is intentionally coarse: held for the duration of a single
// InsertOrGet/Persist call, never across a whole request.
type fileGuard struct {
	f *os.File
}

func acquireFileGuard(path string) (*fileGuard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("idmap: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("idmap: flock: %w", err)
	}
	return &fileGuard{f: f}, nil
}

func (g *fileGuard) release() error {
	if g == nil || g.f == nil {
		return nil
	}
	_ = syscall.Flock(int(g.f.Fd()), syscall.LOCK_UN)
	return g.f.Close()
}
