// Package ratelimit throttles data connection streams to a fixed number of
// bytes per second.
//
// It is a thin io.Reader/io.Writer layer over a golang.org/x/time/rate
// token bucket whose burst is one second worth of data, so short bursts go
// through immediately while the average rate holds over time.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const (
	maxReadChunk  = 8 * 1024  // smaller reads keep the rate accurate
	maxWriteChunk = 64 * 1024 // larger writes keep the overhead low
)

// Limiter limits the rate of data transfer to a specified bytes per second.
// A nil *Limiter imposes no limit.
type Limiter struct {
	bucket *rate.Limiter
	burst  int
}

// New creates a limiter for bytesPerSecond. It returns nil when
// bytesPerSecond is not positive.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if int64(burst) != bytesPerSecond || burst <= 0 {
		burst = maxWriteChunk
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:  burst,
	}
}

// chunk bounds n by max and by the bucket size, since WaitN rejects requests
// larger than the burst.
func (rl *Limiter) chunk(n, max int) int {
	if n > max {
		n = max
	}
	if n > rl.burst {
		n = rl.burst
	}
	return n
}

// take blocks until n bytes may pass.
func (rl *Limiter) take(n int) {
	if rl == nil || n <= 0 {
		return
	}
	_ = rl.bucket.WaitN(context.Background(), n)
}

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader creates a new rate-limited reader.
// If limiter is nil, returns the original reader unchanged.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

// Read implements io.Reader with rate limiting. Only the bytes actually
// read are charged, so short reads do not stall the stream.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := r.limiter.chunk(len(p), maxReadChunk)
	n, err := r.r.Read(p[:size])
	r.limiter.take(n)
	return n, err
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter creates a new rate-limited writer.
// If limiter is nil, returns the original writer unchanged.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

// Write implements io.Writer with rate limiting. Tokens are consumed before
// each chunk is written to apply backpressure.
func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		size := w.limiter.chunk(len(p)-total, maxWriteChunk)
		w.limiter.take(size)

		n, err := w.w.Write(p[total : total+size])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
