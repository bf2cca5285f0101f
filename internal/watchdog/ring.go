package watchdog

import "time"

// ring is a fixed-capacity alert history that overwrites the oldest entry.
type ring struct {
	buf   []Alert
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Alert, capacity)}
}

func (r *ring) push(a Alert) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = a
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) list() []Alert {
	out := make([]Alert, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) countSince(t time.Time) int {
	n := 0
	for i := 0; i < r.size; i++ {
		if !r.buf[(r.start+i)%len(r.buf)].Timestamp.Before(t) {
			n++
		}
	}
	return n
}
