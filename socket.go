package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bt-bridge/persona-voice/tools"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const socketCloseGrace = 2 * time.Second

// AudioMessage is the fallback transport's outbound microphone frame.
type AudioMessage struct {
	Type       ClientEventType `json:"type"`
	AudioChunk string          `json:"audio_chunk"`
}

// SocketSession is the WebSocket fallback: microphone frames go out as base64 PCM16
// messages and inbound messages share the Dispatcher with the WebRTC path.
type SocketSession struct {
	logger      shared.LoggerAdapter
	url         string
	dispatcher  *Dispatcher
	chunks      tools.ChunkSource
	constraints tools.AudioConstraints
	dialer      *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	stopMic func() error
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status

	writeMu sync.Mutex
}

// NewSocketSession builds a fallback session; chunks may be nil for receive-only use.
func NewSocketSession(logger shared.LoggerAdapter, url string, dispatcher *Dispatcher, chunks tools.ChunkSource) (*SocketSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if url == "" {
		return nil, errors.New("socket URL is required")
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &SocketSession{
		logger:      logger.With(zap.String("component", "socket")),
		url:         url,
		dispatcher:  dispatcher,
		chunks:      chunks,
		constraints: tools.DefaultAudioConstraints(),
		dialer:      &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		status:      StatusDisconnected,
	}, nil
}

func (s *SocketSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the current connection ends. It is nil before the first Connect.
func (s *SocketSession) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *SocketSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil || s.status == StatusConnecting {
		s.mu.Unlock()
		return shared.ErrConcurrentConnection
	}
	s.status = StatusConnecting
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("dialing %s: %v: %w", s.url, err, shared.ErrSignaling)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.done = done
	s.status = StatusConnected
	s.mu.Unlock()
	go s.readLoop(conn, done)

	if s.chunks != nil {
		stop, err := s.chunks.StartChunks(runCtx, s.constraints, func(chunk []byte) {
			if err := s.SendAudio(chunk); err != nil {
				s.logger.Debug("dropping microphone frame", zap.Error(err))
			}
		})
		if err != nil {
			s.logger.Warn("continuing without local audio", zap.Error(err))
		} else {
			s.mu.Lock()
			live := s.conn == conn
			if live {
				s.stopMic = stop
			}
			s.mu.Unlock()
			// The read loop may already have torn the connection down.
			if !live {
				if err := stop(); err != nil {
					s.logger.Warn("stopping microphone", zap.Error(err))
				}
			}
		}
	}
	s.logger.Info("socket connected", zap.String("url", s.url))
	return nil
}

// SendAudio sends one PCM16 frame.
func (s *SocketSession) SendAudio(pcm []byte) error {
	data, err := sonic.Marshal(AudioMessage{
		Type:       ClientEventTypeAudio,
		AudioChunk: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return fmt.Errorf("marshaling audio message: %w", err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return shared.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *SocketSession) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.released(conn) {
				s.logger.Error("reading socket message", err)
				s.teardown(conn, StatusError)
				return
			}
			s.teardown(conn, StatusDisconnected)
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Warn("received non-text socket message")
			continue
		}
		event, err := s.dispatcher.Dispatch(data)
		if err != nil {
			s.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if event == nil {
			s.logger.Trace("ignoring unrecognized message", zap.ByteString("data", data))
		}
	}
}

// released reports whether conn is no longer the live connection.
func (s *SocketSession) released(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != conn
}

// teardown releases conn and its microphone if conn is still the live connection.
func (s *SocketSession) teardown(conn *websocket.Conn, final Status) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	stopMic, cancel := s.stopMic, s.cancel
	s.conn, s.stopMic, s.cancel = nil, nil, nil
	s.status = final
	s.mu.Unlock()

	if stopMic != nil {
		if err := stopMic(); err != nil {
			s.logger.Warn("stopping microphone", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(socketCloseGrace))
	s.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		s.logger.Warn("closing socket", zap.Error(err))
	}
}

// Disconnect closes the connection and stops the microphone. It is idempotent.
func (s *SocketSession) Disconnect() {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.mu.Unlock()
	if conn == nil {
		s.setStatus(StatusDisconnected)
		return
	}
	s.teardown(conn, StatusDisconnected)
	if done != nil {
		<-done
	}
}

func (s *SocketSession) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}
