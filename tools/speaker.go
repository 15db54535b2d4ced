package tools

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// oto allows a single context per process.
var (
	speakerOnce sync.Once
	speaker     *Speaker
	speakerErr  error
)

// Speaker is the process-wide audio output, fixed at OutputSampleRate mono int16.
type Speaker struct {
	logger shared.LoggerAdapter
	ctx    *oto.Context
	poll   time.Duration
}

var _ Player = (*Speaker)(nil)

func OpenSpeaker(logger shared.LoggerAdapter, bufferMs int) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	speakerOnce.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   OutputSampleRate,
			ChannelCount: OutputChannels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(bufferMs) * time.Millisecond,
		})
		if err != nil {
			speakerErr = fmt.Errorf("creating audio output context: %w", err)
			return
		}
		<-ready
		speaker = &Speaker{
			logger: logger.With(zap.String("component", "speaker")),
			ctx:    otoCtx,
			poll:   5 * time.Millisecond,
		}
	})
	return speaker, speakerErr
}

// Play starts one oto player for pcm and reports completion once the device has
// drained it.
func (s *Speaker) Play(pcm []byte, done func()) error {
	if len(pcm) == 0 {
		return errors.New("nothing to play")
	}
	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	player.Play()
	go func() {
		defer done()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for player.IsPlaying() {
			<-ticker.C
		}
		if err := player.Close(); err != nil {
			s.logger.Error("closing audio player", err)
		}
	}()
	return nil
}

// Stream plays r continuously until Close is called on the returned player.
func (s *Speaker) Stream(r io.Reader) *oto.Player {
	player := s.ctx.NewPlayer(r)
	player.Play()
	return player
}
