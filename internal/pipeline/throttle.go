package pipeline

import (
	"time"

	"golang.org/x/time/rate"
)

// ThrottledStream paces chunk delivery to approximate a target bitrate,
// sleeping after each chunk for as long as that chunk's bytes would have
// taken to transmit at the configured rate. Errors pass straight through,
// undelayed.
type ThrottledStream struct {
	upstream ChunkReader
	limiter  *rate.Limiter
	sleep    func(time.Duration)
}

// NewThrottledStream caps upstream at kbps kilobits per second. A limiter
// burst of one full second's worth of bytes absorbs short bursts without
// stalling the very first chunk.
func NewThrottledStream(upstream ChunkReader, kbps int) *ThrottledStream {
	bytesPerSec := kbps * 1000 / 8
	if bytesPerSec <= 0 {
		bytesPerSec = 1
	}
	return &ThrottledStream{
		upstream: upstream,
		limiter:  rate.NewLimiter(rate.Limit(bytesPerSec), burstFor(bytesPerSec)),
		sleep:    time.Sleep,
	}
}

// burstFor gives the limiter enough headroom to reserve a single large read
// chunk (up to 256 KiB) without rejecting the reservation outright.
func burstFor(bytesPerSec int) int {
	burst := bytesPerSec * 2
	const maxChunk = 256 * 1024
	if burst < maxChunk {
		burst = maxChunk
	}
	return burst
}

func (t *ThrottledStream) Next() ([]byte, error) {
	data, err := t.upstream.Next()
	if err != nil {
		return data, err
	}
	if len(data) == 0 {
		return data, nil
	}
	res := t.limiter.ReserveN(time.Now(), len(data))
	if !res.OK() {
		return data, nil
	}
	if d := res.Delay(); d > 0 {
		t.sleep(d)
	}
	return data, nil
}
