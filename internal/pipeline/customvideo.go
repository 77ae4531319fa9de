package pipeline

import "io"

// customVideoChunk is the chunk size CustomVideoStream emits, matching the
// spec's fixed 8 KiB cadence for fallback clips.
const customVideoChunk = 8 * 1024

// CustomVideoStream repeats a small in-memory MPEG-TS clip indefinitely,
// used as the response body for channel-unavailable, user-exhausted, and
// provider-exhausted fallback signals.
type CustomVideoStream struct {
	clip   []byte
	offset int
	repeat bool
}

// NewCustomVideoStream wraps clip. If repeat is false the clip plays once
// and then returns io.EOF; if true it loops forever (used when a caller
// holds the connection open for a fixed duration via TimedClientStream).
func NewCustomVideoStream(clip []byte, repeat bool) *CustomVideoStream {
	return &CustomVideoStream{clip: clip, repeat: repeat}
}

func (c *CustomVideoStream) Next() ([]byte, error) {
	if len(c.clip) == 0 {
		return nil, io.EOF
	}
	if c.offset >= len(c.clip) {
		if !c.repeat {
			return nil, io.EOF
		}
		c.offset = 0
	}
	end := c.offset + customVideoChunk
	if end > len(c.clip) {
		end = len(c.clip)
	}
	out := c.clip[c.offset:end]
	c.offset = end
	return out, nil
}
