package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectBuildsControlChannelBeforeAudio(t *testing.T) {
	h := newHarness(t)
	local := newFakeLocal(t)
	require.NoError(t, h.negotiator.RegisterAudioSource(&fakeAudioSource{local: local}))

	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{VoiceInstruction: "Be brief."}))

	s := h.negotiator.Session()
	require.NotNil(t, s)
	assert.Equal(t, []BuildStepName{StepControlChannel, StepLocalAudio}, s.Plan())
	assert.Equal(t, []string{"channel:" + ControlChannelLabel, "track:audio"}, h.peer.buildSteps())

	kinds, err := mediaOrder(h.exchanger.offerAt(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"application", "audio"}, kinds)

	assert.Equal(t, StatusConnected, h.negotiator.Status())
	assert.Equal(t, StateConnected, h.negotiator.State())
	assert.False(t, h.negotiator.InProgress())
	assert.EqualValues(t, 1, h.credentials.calls.Load())
	assert.Eventually(t, func() bool { return local.started.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectFetchesFreshCredentialEachTime(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))
	h.negotiator.Disconnect()
	h.peer = newFakePeer()
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))
	assert.EqualValues(t, 2, h.credentials.calls.Load())
	assert.Equal(t, 2, h.exchanger.callCount())
}

func TestSessionUpdateSentOnlyAfterChannelOpen(t *testing.T) {
	h := newHarness(t)
	h.peer.autoConnect = false

	errC := h.connectAsync(SessionConfig{
		VoiceInstruction: "You are a patient tutor.",
		UserInstructions: "Speak slowly.",
	})
	require.Eventually(t, func() bool {
		return h.negotiator.State() == StateAwaitingChannelOpen
	}, time.Second, 5*time.Millisecond)

	ch := h.peer.control()
	require.NotNil(t, ch)
	assert.Empty(t, ch.sentMessages())

	ch.open()
	require.Eventually(t, func() bool { return len(ch.sentMessages()) == 1 }, time.Second, 5*time.Millisecond)
	// A second open event must not resend the configuration.
	ch.open()

	h.peer.setState(webrtc.PeerConnectionStateConnected)
	require.NoError(t, waitErr(t, errC))
	assert.Len(t, ch.sentMessages(), 1)
	assert.Zero(t, ch.sentBeforeOpen)

	var msg map[string]any
	require.NoError(t, sonic.UnmarshalString(ch.sentMessages()[0], &msg))
	assert.Equal(t, "session.update", msg["type"])
	session := msg["session"].(map[string]any)
	assert.Equal(t, "alloy", session["voice"])
	assert.Equal(t, "pcm16", session["input_audio_format"])
	assert.Equal(t, "pcm16", session["output_audio_format"])
	assert.InDelta(t, 0.7, session["temperature"], 1e-9)
	assert.EqualValues(t, 4096, session["max_response_output_tokens"])
	turn := session["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", turn["type"])
	assert.InDelta(t, 0.5, turn["threshold"], 1e-9)
	assert.EqualValues(t, 300, turn["prefix_padding_ms"])
	assert.EqualValues(t, 200, turn["silence_duration_ms"])
	instructions := session["instructions"].(string)
	assert.True(t, strings.HasPrefix(instructions, "You are a patient tutor."))
	assert.Contains(t, instructions, "Speak slowly.")
	assert.True(t, h.negotiator.Session().ConfigSent())
}

func TestConnectRejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t)
	h.peer.autoConnect = false

	errC := h.connectAsync(SessionConfig{})
	require.Eventually(t, h.negotiator.InProgress, time.Second, 5*time.Millisecond)
	first := h.negotiator.Session()

	err := h.negotiator.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrConcurrentConnection)
	assert.Same(t, first, h.negotiator.Session())
	assert.False(t, first.State().Terminal())
	assert.EqualValues(t, 1, h.credentials.calls.Load())

	h.peer.connect()
	require.NoError(t, waitErr(t, errC))
	assert.Equal(t, StatusConnected, h.negotiator.Status())
}

func TestDisconnectWithoutSession(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.negotiator.Disconnect()
		h.negotiator.Disconnect()
	})
	assert.Equal(t, StatusDisconnected, h.negotiator.Status())
	assert.Equal(t, StateIdle, h.negotiator.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	local := newFakeLocal(t)
	require.NoError(t, h.negotiator.RegisterAudioSource(&fakeAudioSource{local: local}))
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))
	s := h.negotiator.Session()

	h.negotiator.Disconnect()
	h.negotiator.Disconnect()

	assert.Equal(t, 1, h.peer.control().closeCount())
	assert.Equal(t, 1, h.peer.closeCount())
	assert.EqualValues(t, 1, local.stopped.Load())
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Err(), shared.ErrSessionClosed)
	assert.Equal(t, StatusDisconnected, h.negotiator.Status())
	assert.False(t, h.negotiator.InProgress())
}

func TestDisconnectDuringConnectFailsAttempt(t *testing.T) {
	h := newHarness(t)
	h.peer.autoConnect = false
	var statuses []Status
	var mu sync.Mutex
	h.negotiator.OnStatusChange(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	errC := h.connectAsync(SessionConfig{})
	require.Eventually(t, func() bool {
		return h.negotiator.State() == StateAwaitingChannelOpen
	}, time.Second, 5*time.Millisecond)

	h.negotiator.Disconnect()
	err := waitErr(t, errC)
	require.ErrorIs(t, err, shared.ErrSessionClosed)
	assert.Equal(t, StatusDisconnected, h.negotiator.Status())
	assert.Equal(t, 1, h.peer.closeCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusDisconnected}, statuses)
}

func TestExchangeServerErrorTearsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime", r.URL.Path)
		assert.Equal(t, "gpt-test", r.URL.Query().Get("model"))
		assert.Equal(t, "Bearer ek_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	exchanger, err := NewHTTPDescriptorExchanger(shared.NewZapLogger(zap.NewNop()), srv.URL, "gpt-test")
	require.NoError(t, err)
	peer := newFakePeer()
	local := newFakeLocal(t)
	n, err := NewNegotiator(shared.NewZapLogger(zap.NewNop()), &fakeCredentials{}, exchanger,
		WithPeerFactory(func([]string) (PeerConnection, error) { return peer, nil }))
	require.NoError(t, err)
	require.NoError(t, n.RegisterAudioSource(&fakeAudioSource{local: local}))

	err = n.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrDescriptorExchange)
	assert.Contains(t, err.Error(), "500")

	s := n.Session()
	require.NotNil(t, s)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, StatusError, n.Status())
	assert.False(t, n.InProgress())
	assert.Equal(t, 1, peer.closeCount())
	assert.Equal(t, 1, peer.control().closeCount())
	assert.EqualValues(t, 1, local.stopped.Load())
	assert.False(t, peer.remoteApplied())
	select {
	case <-s.Done():
	default:
		t.Fatal("session still alive after failed exchange")
	}
}

func TestSettleDelayForLargeDocuments(t *testing.T) {
	tests := []struct {
		name      string
		docLength int
		want      bool
	}{
		{"at threshold", 10000, false},
		{"just over threshold", 10001, true},
		{"no document", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var slept atomic.Int64
			h.negotiator.sleep = func(ctx context.Context, d time.Duration) error {
				slept.Store(int64(d))
				return nil
			}
			cfg := SessionConfig{DocumentContext: strings.Repeat("ü", tt.docLength)}
			require.NoError(t, h.negotiator.Connect(context.Background(), cfg))
			if tt.want {
				assert.Equal(t, time.Second, time.Duration(slept.Load()))
			} else {
				assert.Zero(t, slept.Load())
			}
		})
	}
}

func TestAnswerSkippedWhenSignalingStable(t *testing.T) {
	h := newHarness(t)
	h.peer.autoConnect = false
	h.peer.forceSignaling = webrtc.SignalingStateStable

	errC := h.connectAsync(SessionConfig{})
	require.Eventually(t, func() bool {
		return h.negotiator.State() == StateAwaitingChannelOpen
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.peer.remoteApplied())

	h.peer.connect()
	require.NoError(t, waitErr(t, errC))
}

func TestAnswerInIllegalSignalingStateFails(t *testing.T) {
	h := newHarness(t)
	h.peer.forceSignaling = webrtc.SignalingStateHaveRemoteOffer

	err := h.negotiator.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrProtocolState)
	assert.False(t, h.peer.remoteApplied())
	assert.Equal(t, 1, h.peer.closeCount())
	assert.Equal(t, StatusError, h.negotiator.Status())
}

func TestMediaFailureFallsBackToReceiveOnly(t *testing.T) {
	h := newHarness(t)
	src := &fakeAudioSource{err: errors.Join(errors.New("permission denied"), shared.ErrMediaAccess)}
	require.NoError(t, h.negotiator.RegisterAudioSource(src))

	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{InputDeviceID: "usb-mic"}))

	assert.Equal(t, "usb-mic", src.last.DeviceID)
	assert.Equal(t, 24000, src.last.SampleRate)
	assert.Equal(t, []BuildStepName{StepControlChannel, StepAudioReceiver}, h.negotiator.Session().Plan())
	kinds, err := mediaOrder(h.exchanger.offerAt(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"application", "audio"}, kinds)
}

func TestConnectWithoutAudioSourceIsReceiveOnly(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))
	assert.Equal(t, []string{"channel:" + ControlChannelLabel, "receiver:audio"}, h.peer.buildSteps())
}

func TestConnectTimeout(t *testing.T) {
	limits := DefaultNegotiationConfig()
	limits.ConnectTimeout = 50 * time.Millisecond
	h := newHarness(t, WithNegotiationConfig(limits))
	h.peer.autoConnect = false

	start := time.Now()
	err := h.negotiator.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusError, h.negotiator.Status())
	assert.Equal(t, StateFailed, h.negotiator.State())
	assert.Equal(t, 1, h.peer.closeCount())
	assert.False(t, h.negotiator.InProgress())
}

func TestOfferWithoutAudioSectionIsRejected(t *testing.T) {
	h := newHarness(t)
	h.peer.noAudioSection = true

	err := h.negotiator.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrProtocolState)
	assert.Zero(t, h.exchanger.callCount())
	assert.Equal(t, 1, h.peer.closeCount())
}

func TestExpiredCredentialSkipsTransport(t *testing.T) {
	h := newHarness(t)
	h.credentials.expiresAt = time.Now().Add(-time.Second)

	err := h.negotiator.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrSignaling)
	assert.Zero(t, h.peers.Load())
	assert.Zero(t, h.exchanger.callCount())
	assert.Equal(t, StatusError, h.negotiator.Status())
}

func TestCredentialFailureSkipsTransport(t *testing.T) {
	h := newHarness(t)
	h.credentials.err = errors.Join(errors.New("connection refused"), shared.ErrSignaling)

	err := h.negotiator.Connect(context.Background(), SessionConfig{})
	require.ErrorIs(t, err, shared.ErrSignaling)
	assert.Zero(t, h.peers.Load())
	assert.Equal(t, StateFailed, h.negotiator.State())
	assert.Equal(t, StatusError, h.negotiator.Status())

	// The guard is released, so a new attempt may start.
	h.credentials.err = nil
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))
}

func TestConnectReplacesStaleSession(t *testing.T) {
	peers := []*fakePeer{newFakePeer(), newFakePeer()}
	var next atomic.Int32
	n, err := NewNegotiator(shared.NewZapLogger(zap.NewNop()), &fakeCredentials{}, &fakeExchanger{},
		WithPeerFactory(func([]string) (PeerConnection, error) {
			return peers[next.Add(1)-1], nil
		}))
	require.NoError(t, err)
	defer n.Disconnect()

	require.NoError(t, n.Connect(context.Background(), SessionConfig{}))
	first := n.Session()
	require.NoError(t, n.Connect(context.Background(), SessionConfig{}))

	assert.NotSame(t, first, n.Session())
	assert.Equal(t, StateDisconnected, first.State())
	assert.Equal(t, 1, peers[0].closeCount())
	assert.Zero(t, peers[1].closeCount())
	assert.Equal(t, StatusConnected, n.Status())
}

func TestTransportFailureAfterConnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))
	s := h.negotiator.Session()

	h.peer.setState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return h.negotiator.Status() == StatusError
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), shared.ErrTransportFailed)
}

func TestInboundMessagesAreDispatched(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var got []*Event
	require.NoError(t, h.negotiator.RegisterEventHandler(func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}))
	require.NoError(t, h.negotiator.Connect(context.Background(), SessionConfig{}))

	ch := h.peer.control()
	ch.deliver(`{"type":"transcript","text":"Hello"}`)
	ch.deliver(`{not json`)
	ch.deliver(`{"type":"session.created"}`)
	ch.deliver(`{"type":"audio_end"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTranscript, got[0].Kind)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Equal(t, EventAudioEnd, got[1].Kind)
	assert.Equal(t, StateConnected, h.negotiator.State())
}

func TestRegisterWhileConnectingFails(t *testing.T) {
	h := newHarness(t)
	h.peer.autoConnect = false
	errC := h.connectAsync(SessionConfig{})
	require.Eventually(t, h.negotiator.InProgress, time.Second, 5*time.Millisecond)

	err := h.negotiator.RegisterAudioSource(&fakeAudioSource{})
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyRunning)

	h.negotiator.Disconnect()
	assert.ErrorIs(t, waitErr(t, errC), shared.ErrSessionClosed)
}

func TestNewNegotiatorValidation(t *testing.T) {
	_, err := NewNegotiator(nil, &fakeCredentials{}, &fakeExchanger{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewNegotiator(shared.NewZapLogger(nil), nil, &fakeExchanger{})
	assert.ErrorIs(t, err, shared.ErrClientNotInitialized)
}
