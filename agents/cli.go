package agents

import (
	"context"
	"errors"
	"sync"

	pkg "github.com/bt-bridge/persona-voice"
	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bt-bridge/persona-voice/tools"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	speakerBufferMs   = 100
	ringBufferSeconds = 2
)

// Conversation is the part of a voice session the agent drives.
type Conversation interface {
	Disconnect()
}

type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	cfg     *shared.Config

	dispatcher *pkg.Dispatcher
	speaker    *tools.Speaker
	queue      *tools.PlaybackQueue

	mu           sync.Mutex
	conversation Conversation
	speaking     bool
	done         chan struct{}
	closeOnce    sync.Once
}

func NewCLIAgent(logger shared.LoggerAdapter, printer *shared.Printer, cfg *shared.Config) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a := &CLIAgent{
		logger:     logger.With(zap.String("component", "agent")),
		printer:    printer,
		cfg:        cfg,
		dispatcher: pkg.NewDispatcher(),
		done:       make(chan struct{}),
	}
	a.dispatcher.Subscribe(a.handleEvent)
	return a, nil
}

// Spawn connects a voice session for session and returns a channel closed when it ends.
// With useSocket the WebSocket fallback transport is used instead of WebRTC.
func (a *CLIAgent) Spawn(ctx context.Context, session pkg.SessionConfig, useSocket bool) (<-chan struct{}, error) {
	a.logger.Info("spawning CLI agent", zap.Bool("socket", useSocket))
	a.say("🤖 Spawning CLI agent...\n", 0)

	if err := a.printSessionConfig(session); err != nil {
		return nil, err
	}

	a.say("🔈 Opening audio output...", 0)
	if speaker, err := tools.OpenSpeaker(a.logger, speakerBufferMs); err != nil {
		a.logger.Error("opening speaker", err)
		a.say("❌ No audio output available, continuing with transcripts only.\n", 0)
	} else {
		a.speaker = speaker
		a.queue, err = tools.NewPlaybackQueue(a.logger, tools.PCM16Decoder{}, speaker)
		if err != nil {
			return nil, err
		}
		a.say("✅ Audio output ready.\n", 0)
	}

	mic, err := tools.NewMicrophone(a.logger)
	if err != nil {
		return nil, err
	}

	a.say("📡 Connecting...", 0)
	if useSocket {
		err = a.spawnSocket(ctx, mic)
	} else {
		err = a.spawnNegotiator(ctx, session, mic)
	}
	if err != nil {
		a.logger.Error("connecting voice session", err)
		a.say("❌ Unable to connect: "+err.Error()+"\n", 0)
		a.Close()
		return nil, err
	}
	a.say("✅ Connected. Start talking, press Ctrl+C to quit.\n", 0)

	go func() {
		select {
		case <-ctx.Done():
			a.Close()
		case <-a.done:
		}
	}()
	return a.done, nil
}

func (a *CLIAgent) printSessionConfig(session pkg.SessionConfig) error {
	params := pkg.DefaultSessionParams()
	params.Voice = a.cfg.Voice
	update := pkg.NewSessionUpdate(pkg.BuildInstructions(session, a.cfg.Negotiation.TruncateAt), params)
	yamlBytes, err := yaml.MarshalWithOptions(update, yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	a.say("📋 Session Config\n", 0)
	a.say(string(yamlBytes), 1)
	a.say("", 0)
	return nil
}

func (a *CLIAgent) spawnNegotiator(ctx context.Context, session pkg.SessionConfig, mic *tools.Microphone) error {
	fetcher, err := pkg.NewHTTPCredentialFetcher(a.logger, a.cfg.SignalingURL)
	if err != nil {
		return err
	}
	exchanger, err := pkg.NewHTTPDescriptorExchanger(a.logger, a.cfg.RealtimeURL, a.cfg.RealtimeModel)
	if err != nil {
		return err
	}
	params := pkg.DefaultSessionParams()
	params.Voice = a.cfg.Voice
	negotiator, err := pkg.NewNegotiator(a.logger, fetcher, exchanger,
		pkg.WithDispatcher(a.dispatcher),
		pkg.WithNegotiationConfig(a.cfg.Negotiation),
		pkg.WithSessionParams(params),
	)
	if err != nil {
		return err
	}
	if err := negotiator.RegisterAudioSource(mic); err != nil {
		return err
	}
	if a.speaker != nil {
		err = negotiator.RegisterTrackRemoteHandler(func(ctx context.Context, track *webrtc.TrackRemote) {
			a.logger.Info("received remote track",
				zap.String("kind", track.Kind().String()),
				zap.String("codec", track.Codec().MimeType))
			tools.PlayRemoteAudio(ctx, a.logger, track, a.speaker, ringBufferSeconds)
		})
		if err != nil {
			return err
		}
	}
	negotiator.OnStatusChange(a.onStatus)
	a.setConversation(negotiator)
	return negotiator.Connect(ctx, session)
}

func (a *CLIAgent) spawnSocket(ctx context.Context, mic *tools.Microphone) error {
	socket, err := pkg.NewSocketSession(a.logger, a.cfg.SocketURL, a.dispatcher, mic)
	if err != nil {
		return err
	}
	a.setConversation(socket)
	if err := socket.Connect(ctx); err != nil {
		return err
	}
	go func() {
		select {
		case <-socket.Done():
			a.say("\n🔌 Connection closed.", 0)
			a.Close()
		case <-a.done:
		}
	}()
	return nil
}

func (a *CLIAgent) setConversation(c Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversation = c
}

// onStatus ends the agent once an established session drops.
func (a *CLIAgent) onStatus(status pkg.Status) {
	a.logger.Debug("status changed", zap.String("status", string(status)))
	switch status {
	case pkg.StatusError:
		a.say("\n❌ Connection lost.", 0)
		go a.Close()
	case pkg.StatusDisconnected:
		go a.Close()
	}
}

func (a *CLIAgent) handleEvent(event *pkg.Event) {
	switch event.Kind {
	case pkg.EventTranscript:
		a.mu.Lock()
		first := !a.speaking
		a.speaking = true
		a.mu.Unlock()
		if first {
			a.inline("🗣️  ")
		}
		a.inline(event.Text)
	case pkg.EventAudio:
		if a.queue != nil {
			a.queue.Enqueue(event.Chunk)
		}
	case pkg.EventAudioEnd:
		a.mu.Lock()
		wasSpeaking := a.speaking
		a.speaking = false
		a.mu.Unlock()
		if wasSpeaking {
			a.inline("\n")
		}
	case pkg.EventError:
		a.logger.Warn("remote error", zap.String("detail", event.Detail))
		a.say("⚠️  "+event.Detail, 0)
	}
}

func (a *CLIAgent) say(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) inline(s string) {
	if err := a.printer.Inline(s); err != nil {
		a.logger.Error("printing transcript", err)
	}
}

// Close disconnects the session and stops playback. It is idempotent.
func (a *CLIAgent) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		conversation := a.conversation
		a.mu.Unlock()
		if conversation != nil {
			conversation.Disconnect()
		}
		if a.queue != nil {
			a.queue.Close()
		}
		a.logger.Info("CLI agent closed")
		close(a.done)
	})
}

// Done is closed once the agent has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}
