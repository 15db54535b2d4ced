package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// AudioConstraints is the capture format the remote endpoint decodes. Changing the
// rate, channel count or sample size breaks decoding on the far side.
type AudioConstraints struct {
	SampleRate       int
	Channels         int
	SampleSize       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	// DeviceID selects a specific input; empty means the default device.
	DeviceID string
}

func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{
		SampleRate:       24000,
		Channels:         1,
		SampleSize:       16,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// LocalAudio is a captured input bound to an outbound WebRTC track.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	// Start pumps samples into the track until ctx ends.
	Start(ctx context.Context)
	Stop() error
}

type AudioSource interface {
	AcquireAudioTrack(ctx context.Context, c AudioConstraints) (LocalAudio, error)
}

// ChunkSource produces fixed-size PCM16 frames for the chunked transport.
type ChunkSource interface {
	StartChunks(ctx context.Context, c AudioConstraints, onChunk func([]byte)) (stop func() error, err error)
}

// Microphone captures from the system input through pion/mediadevices.
// The driver package must be linked in by the binary (pkg/driver/microphone).
type Microphone struct {
	logger shared.LoggerAdapter
}

var (
	_ AudioSource = (*Microphone)(nil)
	_ ChunkSource = (*Microphone)(nil)
)

func NewMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Microphone{logger: logger.With(zap.String("component", "microphone"))}, nil
}

func (m *Microphone) open(c AudioConstraints, selector *mediadevices.CodecSelector) (mediadevices.Track, error) {
	m.logger.Debug("requesting audio input",
		zap.Int("sampleRate", c.SampleRate),
		zap.Int("channels", c.Channels),
		zap.Int("sampleSize", c.SampleSize),
		zap.Bool("echoCancellation", c.EchoCancellation),
		zap.Bool("noiseSuppression", c.NoiseSuppression),
		zap.Bool("autoGainControl", c.AutoGainControl),
		zap.String("deviceID", c.DeviceID),
	)
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.SampleRate)
			mc.ChannelCount = prop.Int(c.Channels)
			mc.SampleSize = prop.Int(c.SampleSize)
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
		},
	}
	if selector != nil {
		constraints.Codec = selector
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %v: %w", err, shared.ErrMediaAccess)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track in microphone stream: %w", shared.ErrMediaAccess)
	}
	return tracks[0], nil
}

func (m *Microphone) AcquireAudioTrack(ctx context.Context, c AudioConstraints) (LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	source, err := m.open(c, mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)))
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	return &MicTrack{
		logger:        m.logger,
		source:        source,
		track:         track,
		frameDuration: time.Duration(opusParams.Latency),
	}, nil
}

func (m *Microphone) StartChunks(ctx context.Context, c AudioConstraints, onChunk func([]byte)) (func() error, error) {
	source, err := m.open(c, nil)
	if err != nil {
		return nil, err
	}
	audioTrack, ok := source.(*mediadevices.AudioTrack)
	if !ok {
		_ = source.Close()
		return nil, fmt.Errorf("microphone track is not an audio track: %w", shared.ErrMediaAccess)
	}
	ctx, cancel := context.WithCancel(ctx)
	reader := audioTrack.NewReader(false)
	chunker := NewFrameChunker(FrameSize, onChunk)
	m.logger.Info("streaming microphone chunks",
		zap.Int("samples", FrameSize),
		zap.Duration("interval", FrameDuration(FrameSize, c.SampleRate, 1)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			chunk, release, err := reader.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					m.logger.Error("reading raw microphone samples", err)
				}
				return
			}
			samples, err := floatSamples(chunk)
			release()
			if err != nil {
				m.logger.Error("converting microphone samples", err)
				continue
			}
			chunker.Push(samples)
		}
	}()
	var once sync.Once
	stop := func() (err error) {
		once.Do(func() {
			cancel()
			err = source.Close()
			<-done
		})
		return err
	}
	return stop, nil
}

// floatSamples extracts the first channel of a captured chunk as floats in [-1, 1].
func floatSamples(chunk wave.Audio) ([]float32, error) {
	switch a := chunk.(type) {
	case *wave.Float32Interleaved:
		ch := a.Size.Channels
		if ch <= 1 {
			return a.Data, nil
		}
		out := make([]float32, a.Size.Len)
		for i := range out {
			out[i] = a.Data[i*ch]
		}
		return out, nil
	case *wave.Int16Interleaved:
		ch := max(a.Size.Channels, 1)
		out := make([]float32, a.Size.Len)
		for i := range out {
			out[i] = float32(a.Data[i*ch]) / 0x8000
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported sample format %T", chunk)
	}
}

// MicTrack feeds an encoded microphone source into a static-sample WebRTC track.
type MicTrack struct {
	logger        shared.LoggerAdapter
	source        mediadevices.Track
	track         *webrtc.TrackLocalStaticSample
	frameDuration time.Duration

	mu      sync.Mutex
	stopped bool
}

var _ LocalAudio = (*MicTrack)(nil)

func (t *MicTrack) Track() webrtc.TrackLocal {
	return t.track
}

func (t *MicTrack) Start(ctx context.Context) {
	StreamLocalAudio(ctx, t.logger, t.track, t.source, t.frameDuration)
}

func (t *MicTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	return t.source.Close()
}
