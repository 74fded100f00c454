package device

// history is a fixed-capacity ring of readings, oldest evicted first.
type history struct {
	buf   []Reading
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]Reading, capacity)}
}

func (h *history) push(r Reading) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = r
		h.size++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// readings returns the contents oldest first.
func (h *history) readings() []Reading {
	out := make([]Reading, h.size)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *history) len() int {
	return h.size
}
