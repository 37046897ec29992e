package stack

// ring is the byte FIFO behind a stream socket's receive side. The
// dispatcher writes in-sequence payload, readers drain it.
type ring struct {
	buf  []byte
	head int // next byte to read
	n    int // bytes buffered
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

func (r *ring) Len() int  { return r.n }
func (r *ring) Cap() int  { return len(r.buf) }
func (r *ring) Free() int { return len(r.buf) - r.n }

// Write copies as much of p as fits and returns the count.
func (r *ring) Write(p []byte) int {
	total := 0
	for len(p) > 0 && r.n < len(r.buf) {
		tail := (r.head + r.n) % len(r.buf)
		end := len(r.buf)
		if tail < r.head {
			end = r.head
		}
		c := copy(r.buf[tail:end], p)
		r.n += c
		total += c
		p = p[c:]
	}
	return total
}

// Read moves up to len(p) bytes into p.
func (r *ring) Read(p []byte) int {
	total := 0
	for len(p) > 0 && r.n > 0 {
		end := r.head + r.n
		if end > len(r.buf) {
			end = len(r.buf)
		}
		c := copy(p, r.buf[r.head:end])
		r.head = (r.head + c) % len(r.buf)
		r.n -= c
		total += c
		p = p[c:]
	}
	if r.n == 0 {
		r.head = 0
	}
	return total
}
