// Package audio paces synthesized agent audio out to the telephony leg.
//
// The agent endpoint delivers audio in bursts, typically far faster than
// real time. The telephony leg needs one fixed-size frame per playout
// interval for glitch-free playout. PlayoutBuffer sits between the two: the
// agent reader appends whatever arrives, the pacing loop drains one frame
// per tick, and barge-in clears everything not yet sent.
package audio

import (
	"sync"
	"time"
)

const (
	// SampleRateHz is the fixed end-to-end audio rate (linear16 mono).
	SampleRateHz = 16000
	// BytesPerSample for 16-bit linear PCM.
	BytesPerSample = 2
	// FrameDuration is the playout interval represented by one outbound frame.
	FrameDuration = 20 * time.Millisecond
	// FrameBytes is the wire size of one playout interval of audio:
	// 16000 Hz * 2 bytes * 20 ms = 640 bytes.
	FrameBytes = SampleRateHz * BytesPerSample * int(FrameDuration/time.Millisecond) / 1000
)

// PlayoutBuffer is a growable byte buffer with a read cursor. Append, NextFrame
// and Clear are safe for concurrent use; a single mutex guarantees that Clear
// is atomic with respect to the other two, which is what makes barge-in cut
// off buffered-but-unsent audio.
//
// Unread growth is unbounded: there is no backpressure toward the agent
// connection. An endpoint that outruns the pacer indefinitely grows this
// buffer without limit. Already-read bytes are compacted away, so a long call
// where the pacer keeps up holds at most compactThreshold of history.
type PlayoutBuffer struct {
	mu     sync.Mutex
	buf    []byte
	cursor int
}

// compactThreshold bounds how many consumed bytes may sit ahead of the
// cursor before the buffer is compacted.
const compactThreshold = 64 * 1024

func NewPlayoutBuffer() *PlayoutBuffer {
	return &PlayoutBuffer{}
}

// Append adds audio to the tail of the buffer.
func (p *PlayoutBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, data...)
}

// NextFrame returns up to n unread bytes and advances the cursor. A nil
// return means nothing is buffered this tick, not end of stream. The returned
// slice is a copy; callers may hand it to a websocket writer without racing
// a later Clear.
func (p *PlayoutBuffer) NextFrame(n int) []byte {
	if n <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := len(p.buf) - p.cursor
	if avail <= 0 {
		return nil
	}
	if avail < n {
		n = avail
	}
	frame := make([]byte, n)
	copy(frame, p.buf[p.cursor:p.cursor+n])
	p.cursor += n
	p.compact()
	return frame
}

// compact discards the consumed prefix once it grows past the threshold.
// Caller must hold mu.
func (p *PlayoutBuffer) compact() {
	if p.cursor < compactThreshold {
		return
	}
	if p.cursor == len(p.buf) {
		p.buf = p.buf[:0]
	} else {
		p.buf = append(p.buf[:0], p.buf[p.cursor:]...)
	}
	p.cursor = 0
}

// Clear drops all unread audio. Used for barge-in: the instant the caller
// starts speaking, anything queued for playout is discarded.
func (p *PlayoutBuffer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	p.cursor = 0
}

// Buffered reports how many unread bytes remain.
func (p *PlayoutBuffer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) - p.cursor
}
