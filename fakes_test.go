package realtime

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bt-bridge/persona-voice/tools"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannel struct {
	mu        sync.Mutex
	label     string
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onMessage func([]byte, bool)
	sent      []string
	closes    int
	// sentBeforeOpen counts sends attempted while the channel was not open.
	sentBeforeOpen int
}

var _ DataChannel = (*fakeChannel)(nil)

func (c *fakeChannel) Label() string { return c.label }
func (c *fakeChannel) ID() *uint16   { return nil }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = f
}

func (c *fakeChannel) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

func (c *fakeChannel) OnMessage(f func([]byte, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.DataChannelStateOpen {
		c.sentBeforeOpen++
		return errors.New("channel not open")
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateClosed
	c.closes++
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	onOpen := c.onOpen
	c.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
}

func (c *fakeChannel) deliver(msg string) {
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()
	if onMessage != nil {
		onMessage([]byte(msg), true)
	}
}

func (c *fakeChannel) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakePeer renders an offer whose media sections follow the order in which the
// channel and tracks were added.
type fakePeer struct {
	mu        sync.Mutex
	steps     []string
	channel   *fakeChannel
	signaling webrtc.SignalingState
	conn      webrtc.PeerConnectionState
	onState   func(webrtc.PeerConnectionState)
	onTrack   func(*webrtc.TrackRemote)
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	closes    int

	// forceSignaling overrides the state reported after the local offer is set.
	forceSignaling webrtc.SignalingState
	// noAudioSection drops audio sections from the rendered offer.
	noAudioSection bool
	// autoConnect opens the channel and reports connected once the answer is applied.
	autoConnect bool
}

var _ PeerConnection = (*fakePeer)(nil)

func newFakePeer() *fakePeer {
	return &fakePeer{
		signaling:   webrtc.SignalingStateStable,
		conn:        webrtc.PeerConnectionStateNew,
		autoConnect: true,
	}
}

func (p *fakePeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if init == nil || init.Ordered == nil || !*init.Ordered {
		return nil, errors.New("control channel must be ordered")
	}
	p.channel = &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
	p.steps = append(p.steps, "channel:"+label)
	return p.channel, nil
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, "track:"+track.Kind().String())
	return nil
}

func (p *fakePeer) AddAudioReceiver() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, "receiver:audio")
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	b.WriteString("v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	for i, step := range p.steps {
		mid := strconv.Itoa(i)
		switch {
		case strings.HasPrefix(step, "channel:"):
			b.WriteString("m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\na=mid:" + mid + "\r\n")
		case strings.HasSuffix(step, ":audio"):
			if p.noAudioSection {
				continue
			}
			b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=mid:" + mid + "\r\na=rtpmap:111 opus/48000/2\r\n")
		}
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: b.String()}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	p.signaling = webrtc.SignalingStateHaveLocalOffer
	if p.forceSignaling != webrtc.SignalingStateUnknown {
		p.signaling = p.forceSignaling
	}
	return nil
}

func (p *fakePeer) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &desc
	p.signaling = webrtc.SignalingStateStable
	auto := p.autoConnect
	p.mu.Unlock()
	if auto {
		go p.connect()
	}
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.conn = webrtc.PeerConnectionStateClosed
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.conn = state
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}

// connect opens the control channel and then reports the transport connected.
func (p *fakePeer) connect() {
	p.control().open()
	p.setState(webrtc.PeerConnectionStateConnected)
}

func (p *fakePeer) control() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *fakePeer) buildSteps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.steps...)
}

func (p *fakePeer) remoteApplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeCredentials struct {
	err       error
	expiresAt time.Time
	calls     atomic.Int32
}

func (f *fakeCredentials) FetchCredential(ctx context.Context) (EphemeralKey, error) {
	f.calls.Add(1)
	if f.err != nil {
		return EphemeralKey{}, f.err
	}
	expiresAt := f.expiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Minute)
	}
	return EphemeralKey{Value: "ek_test", ExpiresAt: expiresAt}, nil
}

type fakeExchanger struct {
	mu     sync.Mutex
	answer string
	err    error
	offers []string
	keys   []string
}

func (f *fakeExchanger) Exchange(ctx context.Context, offer string, key EphemeralKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
	f.keys = append(f.keys, key.Value)
	if f.err != nil {
		return "", f.err
	}
	if f.answer == "" {
		return "v=0\r\n", nil
	}
	return f.answer, nil
}

func (f *fakeExchanger) offerAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.offers) {
		return ""
	}
	return f.offers[i]
}

func (f *fakeExchanger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

type fakeLocal struct {
	track   webrtc.TrackLocal
	started atomic.Int32
	stopped atomic.Int32
}

func (l *fakeLocal) Track() webrtc.TrackLocal  { return l.track }
func (l *fakeLocal) Start(ctx context.Context) { l.started.Add(1) }

func (l *fakeLocal) Stop() error {
	l.stopped.Add(1)
	return nil
}

type fakeAudioSource struct {
	local *fakeLocal
	err   error
	last  tools.AudioConstraints
}

func (f *fakeAudioSource) AcquireAudioTrack(ctx context.Context, c tools.AudioConstraints) (tools.LocalAudio, error) {
	f.last = c
	if f.err != nil {
		return nil, f.err
	}
	return f.local, nil
}

func newFakeLocal(t *testing.T) *fakeLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"mic",
	)
	require.NoError(t, err)
	return &fakeLocal{track: track}
}

type harness struct {
	negotiator  *Negotiator
	peer        *fakePeer
	credentials *fakeCredentials
	exchanger   *fakeExchanger
	peers       atomic.Int32
}

func newHarness(t *testing.T, opts ...NegotiatorOption) *harness {
	t.Helper()
	h := &harness{
		peer:        newFakePeer(),
		credentials: &fakeCredentials{},
		exchanger:   &fakeExchanger{},
	}
	factory := func([]string) (PeerConnection, error) {
		h.peers.Add(1)
		return h.peer, nil
	}
	opts = append([]NegotiatorOption{WithPeerFactory(factory)}, opts...)
	n, err := NewNegotiator(shared.NewZapLogger(zap.NewNop()), h.credentials, h.exchanger, opts...)
	require.NoError(t, err)
	h.negotiator = n
	t.Cleanup(n.Disconnect)
	return h
}

// connectAsync runs Connect in the background and returns its result channel.
func (h *harness) connectAsync(cfg SessionConfig) <-chan error {
	errC := make(chan error, 1)
	go func() {
		errC <- h.negotiator.Connect(context.Background(), cfg)
	}()
	return errC
}

func waitErr(t *testing.T, errC <-chan error) error {
	t.Helper()
	select {
	case err := <-errC:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not settle")
		return nil
	}
}
