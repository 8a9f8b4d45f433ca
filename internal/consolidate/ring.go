package consolidate

import "kernel/pkg/types"

// history is a bounded ring buffer of closed bars, oldest overwritten first.
// Capacity is fixed at construction (chosen at subscription time).
type history struct {
	buf   []types.BaseData
	cap   int
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]types.BaseData, capacity), cap: capacity}
}

func (h *history) push(bar types.BaseData) {
	idx := (h.start + h.size) % h.cap
	h.buf[idx] = bar
	if h.size < h.cap {
		h.size++
	} else {
		h.start = (h.start + 1) % h.cap
	}
}

// items returns the buffered bars oldest-first.
func (h *history) items() []types.BaseData {
	out := make([]types.BaseData, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%h.cap]
	}
	return out
}
