package realtime

import (
	"context"
	"sync"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bt-bridge/persona-voice/tools"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// SessionConfig is the immutable input to one connection attempt.
type SessionConfig struct {
	VoiceInstruction string `yaml:"voice_instruction"`
	UserInstructions string `yaml:"user_instructions,omitempty"`
	DocumentContext  string `yaml:"document_context,omitempty"`
	// InputDeviceID selects the capture device; empty means the default one.
	InputDeviceID string `yaml:"input_device_id,omitempty"`
}

type State int

const (
	StateIdle State = iota
	StateCredentialPending
	StateTransportConstructing
	StateDescriptorExchanging
	StateAwaitingChannelOpen
	StateConfigured
	StateConnected
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCredentialPending:
		return "credential-pending"
	case StateTransportConstructing:
		return "transport-constructing"
	case StateDescriptorExchanging:
		return "descriptor-exchanging"
	case StateAwaitingChannelOpen:
		return "awaiting-channel-open"
	case StateConfigured:
		return "configured"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisconnected
}

// Status is the coarse connection state shown to the user.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

type sessionEventKind int

const (
	evConnectionState sessionEventKind = iota
	evChannelOpen
	evChannelClose
	evChannelMessage
	evRemoteTrack
)

// sessionEvent is one transport callback, delivered to the session driver loop.
type sessionEvent struct {
	kind  sessionEventKind
	state webrtc.PeerConnectionState
	data  []byte
	track *webrtc.TrackRemote
}

// NegotiationSession is the runtime state of one connection attempt. It owns the
// peer connection, the control channel and the media tracks exclusively.
type NegotiationSession struct {
	id     string
	cfg    SessionConfig
	logger shared.LoggerAdapter

	mu         sync.Mutex
	state      State
	peer       PeerConnection
	control    DataChannel
	local      tools.LocalAudio
	remoteStop context.CancelFunc
	plan       []BuildStepName
	configSent bool
	resolved   bool

	events    chan sessionEvent
	connected chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newNegotiationSession(logger shared.LoggerAdapter, cfg SessionConfig) *NegotiationSession {
	ctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	return &NegotiationSession{
		id:        id,
		cfg:       cfg,
		logger:    logger.With(zap.String("session_id", id)),
		state:     StateIdle,
		events:    make(chan sessionEvent, 64),
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *NegotiationSession) ID() string {
	return s.id
}

func (s *NegotiationSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Plan returns the construction steps executed so far, in order.
func (s *NegotiationSession) Plan() []BuildStepName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BuildStepName(nil), s.plan...)
}

// Done is closed once the session is torn down.
func (s *NegotiationSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err is the teardown cause, or nil while the session is alive.
func (s *NegotiationSession) Err() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

// transition moves forward to next. Terminal states are final and states never regress,
// so a late configured step cannot undo connected.
func (s *NegotiationSession) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || next <= s.state {
		return false
	}
	s.logger.Trace("session state changed",
		zap.Stringer("prev", s.state),
		zap.Stringer("new", next),
	)
	s.state = next
	return true
}

// post hands a transport callback to the driver loop. It gives up once the session is gone.
func (s *NegotiationSession) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *NegotiationSession) alive() error {
	if err := s.ctx.Err(); err != nil {
		return context.Cause(s.ctx)
	}
	return nil
}

// attach stores a resource on the session unless it was already torn down, in which
// case the caller must release the resource itself.
func (s *NegotiationSession) attach(set func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	set()
	return nil
}

func (s *NegotiationSession) attachPeer(p PeerConnection) error {
	return s.attach(func() { s.peer = p })
}

func (s *NegotiationSession) attachControl(dc DataChannel) error {
	return s.attach(func() { s.control = dc })
}

func (s *NegotiationSession) attachLocal(l tools.LocalAudio) error {
	return s.attach(func() { s.local = l })
}

// attachRemote replaces the stop function of the remote playback, stopping the previous one.
func (s *NegotiationSession) attachRemote(stop context.CancelFunc) error {
	var prev context.CancelFunc
	err := s.attach(func() {
		prev = s.remoteStop
		s.remoteStop = stop
	})
	if prev != nil {
		prev()
	}
	return err
}

func (s *NegotiationSession) record(step BuildStepName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = append(s.plan, step)
}

func (s *NegotiationSession) controlChannel() DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

func (s *NegotiationSession) localAudio() tools.LocalAudio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// markConfigSent reports whether the caller is the first to send the configuration.
func (s *NegotiationSession) markConfigSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configSent {
		return false
	}
	s.configSent = true
	return true
}

// ConfigSent reports whether the configuration message went out.
func (s *NegotiationSession) ConfigSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configSent
}

// markConnected moves the session to connected and releases a waiting Connect. Only the
// first call has any effect.
func (s *NegotiationSession) markConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved || s.state.Terminal() {
		return false
	}
	s.resolved = true
	s.state = StateConnected
	close(s.connected)
	return true
}

// close releases every resource the session holds. Each step is guarded on its own,
// tolerates absent or already-closed resources, and never panics; calling close more
// than once is a no-op.
func (s *NegotiationSession) close(cause error, final State) {
	s.closeOnce.Do(func() {
		s.cancel(cause)

		s.mu.Lock()
		if !s.state.Terminal() {
			s.state = final
		}
		control, local, remoteStop, peer := s.control, s.local, s.remoteStop, s.peer
		s.control, s.local, s.remoteStop, s.peer = nil, nil, nil, nil
		s.mu.Unlock()

		if control != nil {
			if control.ReadyState() != webrtc.DataChannelStateClosed {
				if err := control.Close(); err != nil {
					s.logger.Warn("closing control channel", zap.Error(err))
				}
			}
		}
		if local != nil {
			if err := local.Stop(); err != nil {
				s.logger.Warn("stopping local audio", zap.Error(err))
			}
		}
		if remoteStop != nil {
			remoteStop()
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				s.logger.Warn("closing peer connection", zap.Error(err))
			}
		}
		s.logger.Info("session released", zap.NamedError("cause", cause))
	})
}
