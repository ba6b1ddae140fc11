package audio

import (
	"bytes"
	"sync"
	"testing"
)

func TestFrameBytes(t *testing.T) {
	if FrameBytes != 640 {
		t.Fatalf("FrameBytes=%d, want 640", FrameBytes)
	}
}

func TestPlayoutBuffer_DrainsAppendedBytesInOrder(t *testing.T) {
	p := NewPlayoutBuffer()
	var appended []byte
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, 1000)
		p.Append(chunk)
		appended = append(appended, chunk...)
	}

	var drained []byte
	frames := 0
	for {
		frame := p.NextFrame(FrameBytes)
		if frame == nil {
			break
		}
		if len(frame) > FrameBytes {
			t.Fatalf("frame of %d bytes exceeds %d", len(frame), FrameBytes)
		}
		drained = append(drained, frame...)
		frames++
	}

	if frames != 8 {
		t.Fatalf("frames=%d, want 8 (ceil(5000/640))", frames)
	}
	if !bytes.Equal(drained, appended) {
		t.Fatalf("drained bytes differ from appended bytes")
	}
}

func TestPlayoutBuffer_ShortFinalFrame(t *testing.T) {
	p := NewPlayoutBuffer()
	p.Append(make([]byte, 700))

	if got := len(p.NextFrame(640)); got != 640 {
		t.Fatalf("first frame=%d bytes, want 640", got)
	}
	if got := len(p.NextFrame(640)); got != 60 {
		t.Fatalf("final frame=%d bytes, want 60 (never padded)", got)
	}
	if frame := p.NextFrame(640); frame != nil {
		t.Fatalf("expected nil after drain, got %d bytes", len(frame))
	}
}

func TestPlayoutBuffer_EmptyWhenCursorAtTail(t *testing.T) {
	p := NewPlayoutBuffer()
	if frame := p.NextFrame(640); frame != nil {
		t.Fatalf("fresh buffer returned %d bytes", len(frame))
	}
	if p.Buffered() != 0 {
		t.Fatalf("Buffered()=%d, want 0", p.Buffered())
	}
}

func TestPlayoutBuffer_ClearDropsUnread(t *testing.T) {
	p := NewPlayoutBuffer()
	p.Append(make([]byte, 4096))
	if p.NextFrame(640) == nil {
		t.Fatalf("expected a frame before clear")
	}

	p.Clear()
	if frame := p.NextFrame(640); frame != nil {
		t.Fatalf("NextFrame after Clear returned %d bytes, want nil", len(frame))
	}
	if p.Buffered() != 0 {
		t.Fatalf("Buffered()=%d after Clear, want 0", p.Buffered())
	}

	// The buffer keeps working after a clear.
	p.Append([]byte{1, 2, 3})
	if got := p.NextFrame(640); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("post-clear frame=%v, want [1 2 3]", got)
	}
}

func TestPlayoutBuffer_CompactsConsumedPrefix(t *testing.T) {
	p := NewPlayoutBuffer()

	// Interleave appends and full drains well past the compaction threshold
	// and check both byte fidelity and that consumed history is released.
	var appended, drained []byte
	for i := 0; i < 300; i++ {
		chunk := bytes.Repeat([]byte{byte(i % 251)}, 1000)
		p.Append(chunk)
		appended = append(appended, chunk...)
		for {
			frame := p.NextFrame(FrameBytes)
			if frame == nil {
				break
			}
			drained = append(drained, frame...)
		}
	}

	if !bytes.Equal(drained, appended) {
		t.Fatalf("drained bytes differ from appended bytes across compaction")
	}
	if p.Buffered() != 0 {
		t.Fatalf("Buffered()=%d, want 0", p.Buffered())
	}
	p.mu.Lock()
	held := len(p.buf)
	p.mu.Unlock()
	if held >= compactThreshold {
		t.Fatalf("buffer holds %d consumed bytes, want < %d", held, compactThreshold)
	}
}

func TestPlayoutBuffer_FrameIsACopy(t *testing.T) {
	p := NewPlayoutBuffer()
	p.Append([]byte{9, 9, 9})
	frame := p.NextFrame(3)
	p.Clear()
	p.Append([]byte{1, 1, 1})
	if !bytes.Equal(frame, []byte{9, 9, 9}) {
		t.Fatalf("frame mutated by later buffer activity: %v", frame)
	}
}

func TestPlayoutBuffer_ConcurrentAppendDrainClear(t *testing.T) {
	p := NewPlayoutBuffer()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			p.Append(make([]byte, 320))
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p.NextFrame(640)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p.Clear()
		}
	}()

	wg.Wait()
}
