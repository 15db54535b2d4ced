package tools

import (
	"encoding/binary"
	"fmt"

	"github.com/bt-bridge/persona-voice/shared"
)

// FrameSize is the number of samples per chunk on the fallback transport.
const FrameSize = 4096

// EncodePCM16 clamps float samples to [-1, 1] and scales them to signed 16-bit
// little-endian PCM. Negative samples scale by 0x8000, positive ones by 0x7FFF.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

func FloatToInt16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

func Int16ToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 is the inverse of Int16ToPCM16.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("odd PCM16 payload of %d bytes: %w", len(data), shared.ErrDecode)
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// FrameChunker turns an arbitrary stream of float samples into fixed frames of
// size samples, each delivered to emit as PCM16 bytes. Not safe for concurrent use.
type FrameChunker struct {
	size    int
	pending []float32
	emit    func([]byte)
}

func NewFrameChunker(size int, emit func([]byte)) *FrameChunker {
	if size <= 0 {
		size = FrameSize
	}
	return &FrameChunker{
		size:    size,
		pending: make([]float32, 0, size),
		emit:    emit,
	}
}

func (c *FrameChunker) Push(samples []float32) {
	for len(samples) > 0 {
		n := min(c.size-len(c.pending), len(samples))
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]
		if len(c.pending) == c.size {
			c.emit(EncodePCM16(c.pending))
			c.pending = c.pending[:0]
		}
	}
}

// Buffered reports how many samples wait for the next full frame.
func (c *FrameChunker) Buffered() int {
	return len(c.pending)
}
