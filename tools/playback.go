package tools

import (
	"sync"

	"github.com/bt-bridge/persona-voice/shared"
	"go.uber.org/zap"
)

type Decoder interface {
	Decode(chunk []byte) (pcm []byte, err error)
}

// Player starts playback of pcm and calls done exactly once when it has finished.
// Play may call done before returning. If Play returns an error, done is not called.
type Player interface {
	Play(pcm []byte, done func()) error
}

// PlaybackQueue plays encoded chunks strictly in arrival order, one at a time.
// The next chunk only starts from the completion of the previous one; a chunk that
// fails to decode or play is skipped.
type PlaybackQueue struct {
	logger  shared.LoggerAdapter
	decoder Decoder
	player  Player

	mu      sync.Mutex
	queue   [][]byte
	playing bool
	closed  bool
}

func NewPlaybackQueue(logger shared.LoggerAdapter, decoder Decoder, player Player) (*PlaybackQueue, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if decoder == nil || player == nil {
		return nil, shared.ErrClientNotInitialized
	}
	return &PlaybackQueue{
		logger:  logger.With(zap.String("component", "playback")),
		decoder: decoder,
		player:  player,
	}, nil
}

func (q *PlaybackQueue) Enqueue(chunk []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, chunk)
	if q.playing {
		q.mu.Unlock()
		return
	}
	q.playing = true
	q.mu.Unlock()
	q.advance()
}

// advance pops chunks until one is handed to the player or the queue runs dry.
func (q *PlaybackQueue) advance() {
	for {
		chunk, ok := q.pop()
		if !ok {
			return
		}
		if q.start(chunk) {
			return
		}
	}
}

func (q *PlaybackQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.queue) == 0 {
		q.playing = false
		return nil, false
	}
	chunk := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return chunk, true
}

func (q *PlaybackQueue) start(chunk []byte) bool {
	pcm, err := q.decoder.Decode(chunk)
	if err != nil {
		q.logger.Error("decoding audio chunk", err, zap.Int("bytes", len(chunk)))
		return false
	}
	var once sync.Once
	done := func() { once.Do(q.advance) }
	if err := q.player.Play(pcm, done); err != nil {
		q.logger.Error("playing audio chunk", err, zap.Int("bytes", len(pcm)))
		return false
	}
	return true
}

// Playing reports whether a chunk is currently being decoded or played.
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *PlaybackQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close drops everything not yet started. The chunk in flight finishes on its own.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.queue = nil
}
