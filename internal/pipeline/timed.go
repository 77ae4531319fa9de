package pipeline

import (
	"io"
	"time"
)

// TimedClientStream ends the stream cleanly (io.EOF, not an error) once
// duration has elapsed since construction, used for hard per-request
// cutoffs.
type TimedClientStream struct {
	upstream ChunkReader
	deadline time.Time
	expired  bool
}

// NewTimedClientStream wraps upstream with a cutoff at duration from now.
func NewTimedClientStream(upstream ChunkReader, duration time.Duration) *TimedClientStream {
	return &TimedClientStream{upstream: upstream, deadline: time.Now().Add(duration)}
}

func (t *TimedClientStream) Next() ([]byte, error) {
	if t.expired {
		return nil, io.EOF
	}
	if time.Now().After(t.deadline) {
		t.expired = true
		return nil, io.EOF
	}
	return t.upstream.Next()
}
