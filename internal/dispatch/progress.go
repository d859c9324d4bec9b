package dispatch

import (
	"io"
	"sync"
)

// ProgressFunc receives upload progress as a percentage. Values never
// decrease and the last call of a successful upload is exactly 100.
type ProgressFunc func(percent int)

// ProgressChan adapts ch to a ProgressFunc. Intermediate values are dropped
// when ch is not ready; the final 100 is always delivered.
func ProgressChan(ch chan<- int) ProgressFunc {
	return func(p int) {
		if p >= 100 {
			ch <- p
			return
		}
		select {
		case ch <- p:
		default:
		}
	}
}

type progressTracker struct {
	fn    ProgressFunc
	total int64

	mu   sync.Mutex
	read int64
	last int
}

func newProgressTracker(fn ProgressFunc, total int64) *progressTracker {
	return &progressTracker{fn: fn, total: total, last: -1}
}

// reset starts counting a replayed body; reported progress does not go back.
func (t *progressTracker) reset() {
	t.mu.Lock()
	t.read = 0
	t.mu.Unlock()
}

func (t *progressTracker) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read += int64(n)
	if t.total <= 0 {
		return
	}
	// 100 is reserved for the response arriving.
	pct := int(t.read * 100 / t.total)
	if pct > 99 {
		pct = 99
	}
	t.emitLocked(pct)
}

func (t *progressTracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(100)
}

func (t *progressTracker) emitLocked(pct int) {
	if pct <= t.last {
		return
	}
	t.last = pct
	t.fn(pct)
}

type progressReader struct {
	r io.Reader
	t *progressTracker
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.t.add(n)
	}
	return n, err
}
