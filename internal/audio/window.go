package audio

// Window keeps the most recent maxBytes of appended PCM. Older bytes are
// discarded from the front after every Append and cannot be recovered.
//
// A Window is owned by a single goroutine; it does no locking.
type Window struct {
	buf      []byte
	maxBytes int
}

// NewWindow creates a window retaining at most maxBytes.
func NewWindow(maxBytes int) *Window {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &Window{
		buf:      make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
	}
}

// Append adds p to the tail and trims the head so Len() <= Cap().
func (w *Window) Append(p []byte) {
	if len(p) >= w.maxBytes {
		// The chunk alone fills the window.
		w.buf = append(w.buf[:0], p[len(p)-w.maxBytes:]...)
		return
	}
	if over := len(w.buf) + len(p) - w.maxBytes; over > 0 {
		n := copy(w.buf, w.buf[over:])
		w.buf = w.buf[:n]
	}
	w.buf = append(w.buf, p...)
}

// Snapshot returns a copy of the current contents.
func (w *Window) Snapshot() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

// Len returns the number of buffered bytes.
func (w *Window) Len() int { return len(w.buf) }

// Cap returns the window size in bytes.
func (w *Window) Cap() int { return w.maxBytes }
