package tools

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded byte FIFO that drops the oldest bytes when full.
// Read blocks until data arrives or the buffer is closed.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if len(ab.buffer) == 0 {
		return 0, io.EOF
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// StreamLocalAudio pumps encoded microphone frames into the outbound WebRTC track
// until ctx ends or the source is exhausted.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mediaTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() { _ = reader.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("failed to write sample to track", err)
		}
	}
}

// PlayRemoteAudio decodes the inbound Opus track into the speaker through a bounded
// ring buffer of ringBufferSeconds.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, out *Speaker, ringBufferSeconds int) {
	codec := track.Codec()
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Uint32("clockRate", codec.ClockRate),
		zap.Uint16("channels", codec.Channels),
	)
	decoder, err := NewOpusDecoder(OutputSampleRate, OutputChannels)
	if err != nil {
		logger.Error("creating remote audio decoder", err)
		return
	}
	audioBuffer := NewAudioBuffer(ringBufferSeconds * OutputSampleRate * OutputChannels * 2)
	player := out.Stream(audioBuffer)
	defer func() {
		_ = audioBuffer.Close()
		_ = player.Close()
	}()
	go func() {
		<-ctx.Done()
		_ = audioBuffer.Close()
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		pcm, err := decoder.Decode(rtp.Payload)
		if err != nil {
			logger.Error("decoding remote audio", err)
			continue
		}
		if dropped := audioBuffer.Write(pcm); dropped > 0 {
			logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}
