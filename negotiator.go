package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bt-bridge/persona-voice/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// TrackRemoteHandler plays an inbound track until ctx ends.
type TrackRemoteHandler func(ctx context.Context, track *webrtc.TrackRemote)

// StatusHandler observes every status change.
type StatusHandler func(status Status)

// NegotiatorOption configures a Negotiator at construction.
type NegotiatorOption func(*Negotiator)

// WithPeerFactory replaces the pion peer connection constructor.
func WithPeerFactory(f PeerFactory) NegotiatorOption {
	return func(n *Negotiator) { n.newPeer = f }
}

// WithNegotiationConfig sets the timeout, settle delay and truncation limits.
func WithNegotiationConfig(cfg shared.NegotiationConfig) NegotiatorOption {
	return func(n *Negotiator) { n.limits = cfg }
}

// WithSessionParams sets the voice and model parameters sent in session.update.
func WithSessionParams(p SessionParams) NegotiatorOption {
	return func(n *Negotiator) { n.params = p }
}

// WithDispatcher routes data channel events to d.
func WithDispatcher(d *Dispatcher) NegotiatorOption {
	return func(n *Negotiator) { n.dispatcher = d }
}

// WithAudioConstraints sets the capture constraints passed to the audio source.
func WithAudioConstraints(c tools.AudioConstraints) NegotiatorOption {
	return func(n *Negotiator) { n.constraints = c }
}

// Negotiator establishes and tears down realtime voice sessions. At most one
// connection attempt runs at a time; a newer successful Connect replaces the old session.
type Negotiator struct {
	logger      shared.LoggerAdapter
	credentials CredentialFetcher
	exchanger   DescriptorExchanger
	newPeer     PeerFactory
	dispatcher  *Dispatcher
	limits      shared.NegotiationConfig
	params      SessionParams
	constraints tools.AudioConstraints
	sleep       func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	session       *NegotiationSession
	inProgress    bool
	status        Status
	audio         tools.AudioSource
	audioTRH      TrackRemoteHandler
	statusHandler []StatusHandler
}

func DefaultNegotiationConfig() shared.NegotiationConfig {
	return shared.NegotiationConfig{
		ConnectTimeout:  60 * time.Second,
		SettleDelay:     time.Second,
		SettleThreshold: 10000,
		TruncateAt:      DefaultTruncateAt,
	}
}

func NewNegotiator(logger shared.LoggerAdapter, credentials CredentialFetcher, exchanger DescriptorExchanger, opts ...NegotiatorOption) (*Negotiator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if credentials == nil || exchanger == nil {
		return nil, shared.ErrClientNotInitialized
	}
	n := &Negotiator{
		logger:      logger.With(zap.String("component", "negotiator")),
		credentials: credentials,
		exchanger:   exchanger,
		newPeer:     NewPionPeer,
		limits:      DefaultNegotiationConfig(),
		params:      DefaultSessionParams(),
		constraints: tools.DefaultAudioConstraints(),
		sleep:       sleepContext,
		status:      StatusDisconnected,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.dispatcher == nil {
		n.dispatcher = NewDispatcher()
	}
	if n.limits.ConnectTimeout <= 0 {
		n.limits.ConnectTimeout = DefaultNegotiationConfig().ConnectTimeout
	}
	return n, nil
}

func (n *Negotiator) RegisterAudioSource(src tools.AudioSource) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inProgress {
		return shared.ErrSessionAlreadyRunning
	}
	if n.audio != nil {
		return shared.ErrAudioSourceAlreadySet
	}
	if src == nil {
		return errors.New("audio source is required")
	}
	n.audio = src
	return nil
}

func (n *Negotiator) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inProgress {
		return shared.ErrSessionAlreadyRunning
	}
	if n.audioTRH != nil {
		return shared.ErrTRHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	n.audioTRH = handler
	return nil
}

// RegisterEventHandler subscribes handler to every decoded inbound event.
func (n *Negotiator) RegisterEventHandler(handler EventHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	n.dispatcher.Subscribe(handler)
	return nil
}

// OnStatusChange registers a callback invoked on every status change.
func (n *Negotiator) OnStatusChange(handler StatusHandler) {
	if handler == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statusHandler = append(n.statusHandler, handler)
}

func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// State is the state of the current session, or StateIdle when there is none.
func (n *Negotiator) State() State {
	if s := n.Session(); s != nil {
		return s.State()
	}
	return StateIdle
}

func (n *Negotiator) Session() *NegotiationSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

func (n *Negotiator) InProgress() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inProgress
}

func (n *Negotiator) setStatus(status Status) {
	n.mu.Lock()
	if n.status == status {
		n.mu.Unlock()
		return
	}
	prev := n.status
	n.status = status
	handlers := append([]StatusHandler(nil), n.statusHandler...)
	n.mu.Unlock()
	n.logger.Debug("status changed",
		zap.String("prev", string(prev)),
		zap.String("new", string(status)),
	)
	for _, h := range handlers {
		h(status)
	}
}

// setStatusFor updates the status only while s is still the current session.
func (n *Negotiator) setStatusFor(s *NegotiationSession, status Status) {
	n.mu.Lock()
	current := n.session == s
	n.mu.Unlock()
	if current {
		n.setStatus(status)
	}
}

// Connect runs one connection attempt and blocks until the transport reports
// connected, the attempt fails, or ctx ends.
func (n *Negotiator) Connect(ctx context.Context, cfg SessionConfig) error {
	n.mu.Lock()
	if n.inProgress {
		n.mu.Unlock()
		return shared.ErrConcurrentConnection
	}
	stale := n.session
	s := newNegotiationSession(n.logger, cfg)
	n.session = s
	n.inProgress = true
	n.mu.Unlock()

	if stale != nil {
		n.logger.Info("disconnecting stale session", zap.String("stale_session_id", stale.ID()))
		stale.close(errors.New("replaced by a new connection"), StateDisconnected)
	}
	n.setStatus(StatusConnecting)

	err := n.connect(ctx, s)

	n.mu.Lock()
	current := n.session == s
	if current {
		n.inProgress = false
	}
	n.mu.Unlock()

	if err != nil {
		s.close(err, StateFailed)
		s.logger.Error("connection attempt failed", err)
		if current {
			n.setStatus(StatusError)
		}
		return err
	}
	if !current {
		return shared.ErrSessionClosed
	}
	n.setStatus(StatusConnected)
	return nil
}

func (n *Negotiator) connect(parent context.Context, s *NegotiationSession) error {
	timeoutCause := fmt.Errorf("not connected within %s: %w", n.limits.ConnectTimeout, shared.ErrConnectTimeout)
	ctx, cancelTimeout := context.WithTimeoutCause(parent, n.limits.ConnectTimeout, timeoutCause)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	// Tearing the session down aborts whatever step the attempt is blocked in.
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()

	s.transition(StateCredentialPending)
	key, err := n.credentials.FetchCredential(ctx)
	if err != nil {
		return attemptErr(ctx, fmt.Errorf("fetching credential: %w", err))
	}
	if key.Expired(time.Now()) {
		return attemptErr(ctx, fmt.Errorf("credential expired at %s: %w", key.ExpiresAt.Format(time.RFC3339), shared.ErrSignaling))
	}

	s.transition(StateTransportConstructing)
	peer, err := n.newPeer(n.limits.ICEServers)
	if err != nil {
		return attemptErr(ctx, fmt.Errorf("constructing transport: %w", err))
	}
	if err := s.attachPeer(peer); err != nil {
		_ = peer.Close()
		return err
	}
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(sessionEvent{kind: evConnectionState, state: state})
	})
	peer.OnTrack(func(track *webrtc.TrackRemote) {
		s.post(sessionEvent{kind: evRemoteTrack, track: track})
	})
	go n.drive(s)

	for _, step := range BuildPlan {
		if err := n.build(ctx, s, peer, step); err != nil {
			return attemptErr(ctx, err)
		}
	}

	offer, err := n.createOffer(ctx, peer)
	if err != nil {
		return attemptErr(ctx, err)
	}

	s.transition(StateDescriptorExchanging)
	answer, err := n.exchanger.Exchange(ctx, offer, key)
	if err != nil {
		return attemptErr(ctx, fmt.Errorf("exchanging descriptors: %w", err))
	}
	if answer == "" {
		return fmt.Errorf("empty answer: %w", shared.ErrDescriptorExchange)
	}

	if utf8.RuneCountInString(s.cfg.DocumentContext) > n.limits.SettleThreshold && n.limits.SettleDelay > 0 {
		s.logger.Debug("large document, settling before applying answer", zap.Duration("delay", n.limits.SettleDelay))
		if err := n.sleep(ctx, n.limits.SettleDelay); err != nil {
			return attemptErr(ctx, err)
		}
	}
	if err := s.alive(); err != nil {
		return err
	}
	if err := n.applyAnswer(s, peer, answer); err != nil {
		return attemptErr(ctx, err)
	}
	s.transition(StateAwaitingChannelOpen)

	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (n *Negotiator) build(ctx context.Context, s *NegotiationSession, peer PeerConnection, step BuildStepName) error {
	switch step {
	case StepControlChannel:
		dc, err := peer.CreateDataChannel(ControlChannelLabel, controlChannelInit())
		if err != nil {
			return fmt.Errorf("creating control channel: %w", err)
		}
		if err := s.attachControl(dc); err != nil {
			_ = dc.Close()
			return err
		}
		dc.OnOpen(func() { s.post(sessionEvent{kind: evChannelOpen}) })
		dc.OnClose(func() { s.post(sessionEvent{kind: evChannelClose}) })
		dc.OnMessage(func(data []byte, isString bool) {
			if !isString {
				s.logger.Warn("received non-string message on control channel")
				return
			}
			s.post(sessionEvent{kind: evChannelMessage, data: append([]byte(nil), data...)})
		})
		s.record(StepControlChannel)
		return nil
	case StepLocalAudio:
		return n.buildLocalAudio(ctx, s, peer)
	default:
		return fmt.Errorf("unknown build step %q: %w", step, shared.ErrProtocolState)
	}
}

// buildLocalAudio adds the microphone track, or a receive-only audio section when
// no microphone is available.
func (n *Negotiator) buildLocalAudio(ctx context.Context, s *NegotiationSession, peer PeerConnection) error {
	n.mu.Lock()
	src := n.audio
	n.mu.Unlock()

	var local tools.LocalAudio
	if src != nil {
		c := n.constraints
		if s.cfg.InputDeviceID != "" {
			c.DeviceID = s.cfg.InputDeviceID
		}
		var err error
		local, err = src.AcquireAudioTrack(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			s.logger.Warn("continuing without local audio", zap.Error(err))
			local = nil
		}
	}
	if local == nil {
		if err := peer.AddAudioReceiver(); err != nil {
			return fmt.Errorf("adding receive-only audio: %w", err)
		}
		s.record(StepAudioReceiver)
		return nil
	}
	if err := s.attachLocal(local); err != nil {
		_ = local.Stop()
		return err
	}
	if err := peer.AddTrack(local.Track()); err != nil {
		return fmt.Errorf("adding local audio track: %w", err)
	}
	s.record(StepLocalAudio)
	return nil
}

func (n *Negotiator) createOffer(ctx context.Context, peer PeerConnection) (string, error) {
	offer, err := peer.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	if err := waitGathering(ctx, peer); err != nil {
		return "", err
	}
	local := peer.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("%w: %w", errNoLocalDescription, shared.ErrProtocolState)
	}
	if err := ValidateOffer(local.SDP); err != nil {
		return "", err
	}
	return local.SDP, nil
}

// applyAnswer sets the remote description. Only have-local-offer accepts an answer;
// in stable it is redundant and skipped.
func (n *Negotiator) applyAnswer(s *NegotiationSession, peer PeerConnection, answer string) error {
	switch cs := peer.ConnectionState(); cs {
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return fmt.Errorf("transport is %s before applying answer: %w", cs, shared.ErrProtocolState)
	}
	switch state := peer.SignalingState(); state {
	case webrtc.SignalingStateHaveLocalOffer:
		err := peer.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  answer,
		})
		if err != nil {
			return fmt.Errorf("setting remote description: %v: %w", err, shared.ErrProtocolState)
		}
		return nil
	case webrtc.SignalingStateStable:
		s.logger.Warn("signaling already stable, skipping remote description")
		return nil
	default:
		return fmt.Errorf("cannot apply answer in signaling state %s: %w", state, shared.ErrProtocolState)
	}
}

// Disconnect tears down the current session, if any. It is safe to call at any time
// and any number of times; an in-flight Connect fails with shared.ErrSessionClosed.
func (n *Negotiator) Disconnect() {
	n.mu.Lock()
	s := n.session
	n.session = nil
	n.inProgress = false
	n.mu.Unlock()
	if s != nil {
		s.close(shared.ErrSessionClosed, StateDisconnected)
	}
	n.setStatus(StatusDisconnected)
}

// drive handles the transport events of one session in order until it is torn down.
func (n *Negotiator) drive(s *NegotiationSession) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			n.handle(s, ev)
		}
	}
}

func (n *Negotiator) handle(s *NegotiationSession, ev sessionEvent) {
	switch ev.kind {
	case evChannelOpen:
		s.logger.Info("control channel opened")
		n.sendSessionUpdate(s)
	case evChannelClose:
		s.logger.Info("control channel closed")
	case evChannelMessage:
		event, err := n.dispatcher.Dispatch(ev.data)
		if err != nil {
			s.logger.Warn("dropping malformed message", zap.Error(err), zap.ByteString("data", ev.data))
			return
		}
		if event == nil {
			s.logger.Trace("ignoring unrecognized message", zap.ByteString("data", ev.data))
		}
	case evRemoteTrack:
		n.playRemote(s, ev.track)
	case evConnectionState:
		n.handleConnectionState(s, ev.state)
	}
}

func (n *Negotiator) handleConnectionState(s *NegotiationSession, state webrtc.PeerConnectionState) {
	s.logger.Trace("peer connection state changed", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if !s.markConnected() {
			s.logger.Warn("peer connection state is connected (more than once)")
			return
		}
		if local := s.localAudio(); local != nil {
			go local.Start(s.ctx)
		}
	case webrtc.PeerConnectionStateDisconnected:
		s.logger.Warn("peer connection interrupted")
	case webrtc.PeerConnectionStateFailed:
		s.close(fmt.Errorf("peer connection failed: %w", shared.ErrTransportFailed), StateFailed)
		n.setStatusFor(s, StatusError)
	case webrtc.PeerConnectionStateClosed:
		s.close(fmt.Errorf("peer connection closed: %w", shared.ErrSessionClosed), StateDisconnected)
		n.setStatusFor(s, StatusDisconnected)
	}
}

func (n *Negotiator) sendSessionUpdate(s *NegotiationSession) {
	control := s.controlChannel()
	if control == nil || control.ReadyState() != webrtc.DataChannelStateOpen {
		s.logger.Warn("control channel not open, configuration not sent")
		return
	}
	if !s.markConfigSent() {
		return
	}
	instructions := BuildInstructions(s.cfg, n.limits.TruncateAt)
	update := NewSessionUpdate(instructions, n.params)
	data, err := update.MarshalJSON()
	if err != nil {
		s.logger.Error("marshaling session update", err)
		return
	}
	if err := control.SendText(string(data)); err != nil {
		s.logger.Error("sending session update", err)
		return
	}
	s.transition(StateConfigured)
	s.logger.Info("session configuration sent",
		zap.Int("instructionsLength", utf8.RuneCountInString(instructions)),
		zap.Int("documentLength", utf8.RuneCountInString(s.cfg.DocumentContext)),
	)
}

func (n *Negotiator) playRemote(s *NegotiationSession, track *webrtc.TrackRemote) {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	n.mu.Lock()
	handler := n.audioTRH
	n.mu.Unlock()
	if handler == nil {
		s.logger.Debug("no remote audio handler registered, ignoring track")
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	if err := s.attachRemote(cancel); err != nil {
		cancel()
		return
	}
	go handler(ctx, track)
}

// attemptErr prefers the attempt's cancellation cause, so timeouts and disconnects
// surface as such rather than as the error of the step they interrupted.
func attemptErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
