package room

import "github.com/skillswap/trade-engine/internal/models"

// maxRecentMessages is the number of recent messages replayed to a
// participant on join.
const maxRecentMessages = 20

// ringBuffer is a fixed-size circular buffer of messages. Callers guard it
// with the Manager's lock.
type ringBuffer struct {
	items []models.Message
	pos   int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{items: make([]models.Message, size)}
}

// add appends a message, overwriting the oldest entry when full.
func (rb *ringBuffer) add(msg models.Message) {
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % len(rb.items)
	if rb.count < len(rb.items) {
		rb.count++
	}
}

// snapshot returns the buffered messages in chronological order, oldest
// first.
func (rb *ringBuffer) snapshot() []models.Message {
	if rb.count == 0 {
		return nil
	}
	out := make([]models.Message, rb.count)
	start := (rb.pos - rb.count + len(rb.items)) % len(rb.items)
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%len(rb.items)]
	}
	return out
}
