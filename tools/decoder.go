package tools

import (
	"fmt"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/hraban/opus"
)

// Output format shared by every playback path. The remote endpoint speaks pcm16 at
// 24 kHz mono, and Opus can be decoded straight into it.
const (
	OutputSampleRate = 24000
	OutputChannels   = 1
)

// PCM16Decoder accepts little-endian PCM16 chunks as they are.
type PCM16Decoder struct{}

var _ Decoder = PCM16Decoder{}

func (PCM16Decoder) Decode(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("empty chunk: %w", shared.ErrDecode)
	}
	if len(chunk)%2 != 0 {
		return nil, fmt.Errorf("odd PCM16 payload of %d bytes: %w", len(chunk), shared.ErrDecode)
	}
	return chunk, nil
}

// OpusDecoder decodes single Opus packets into PCM16 at the output format.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

var _ Decoder = (*OpusDecoder)(nil)

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("creating Opus decoder: %w", err)
	}
	// 120ms is the longest Opus frame.
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, FrameSamples(opusMaxFrame, sampleRate, channels)),
	}, nil
}

func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("empty Opus packet: %w", shared.ErrDecode)
	}
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decoding Opus: %v: %w", err, shared.ErrDecode)
	}
	return Int16ToPCM16(d.pcm[:n*d.channels]), nil
}
