package realtime

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeAudio                         ServerEventType = "audio"
	ServerEventTypeTranscript                    ServerEventType = "transcript"
	ServerEventTypeAudioEnd                      ServerEventType = "audio_end"
	ServerEventTypeError                         ServerEventType = "error"
	ServerEventTypeResponseAudioDelta            ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone             ServerEventType = "response.audio.done"
	ServerEventTypeResponseAudioTranscriptDelta  ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseOutputAudioDelta      ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone       ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseOutputAudioTranscript ServerEventType = "response.output_audio_transcript.delta"
)

// Client event types
const (
	ClientEventTypeSessionUpdate ClientEventType = "session.update"
	ClientEventTypeAudio         ClientEventType = "audio"
)

type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventTranscript
	EventAudioEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventAudioEnd:
		return "audio_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a decoded inbound message. Raw is the message exactly as received.
type Event struct {
	Kind EventKind
	Type ServerEventType
	// Chunk is the decoded PCM16 payload of an audio event.
	Chunk []byte
	// Text is the transcript fragment of a transcript event.
	Text string
	// Detail describes an error event.
	Detail string
	Raw    []byte
}

// MarshalYAML renders the event for logs and transcripts; audio payloads are summarized.
func (e *Event) MarshalYAML() ([]byte, error) {
	out := map[string]any{
		"kind": e.Kind.String(),
		"type": string(e.Type),
	}
	switch e.Kind {
	case EventAudio:
		out["bytes"] = len(e.Chunk)
	case EventTranscript:
		out["text"] = e.Text
	case EventError:
		out["detail"] = e.Detail
	}
	return yaml.Marshal(out)
}

type EventHandler func(event *Event)

// Dispatcher decodes inbound messages and fans them out to subscribers in
// registration order, synchronously and without reordering.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Subscribe(handler EventHandler) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Dispatch decodes raw and delivers it. Unrecognized kinds return (nil, nil);
// undecodable input returns an error wrapping shared.ErrMalformedMessage.
func (d *Dispatcher) Dispatch(raw []byte) (*Event, error) {
	event, err := ParseEvent(raw)
	if err != nil || event == nil {
		return nil, err
	}
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
	return event, nil
}

func ParseEvent(raw []byte) (*Event, error) {
	var msg map[string]any
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %v: %w", err, shared.ErrMalformedMessage)
	}
	if msg == nil {
		return nil, fmt.Errorf("message is not an object: %w", shared.ErrMalformedMessage)
	}
	t, ok := msg["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing type: %w", shared.ErrMalformedMessage)
	}
	event := &Event{
		Type: ServerEventType(t),
		Raw:  append([]byte(nil), raw...),
	}
	var err error
	switch event.Type {
	case ServerEventTypeAudio:
		err = event.decodeAudio(msg, "audio_chunk")
	case ServerEventTypeResponseAudioDelta, ServerEventTypeResponseOutputAudioDelta:
		err = event.decodeAudio(msg, "delta")
	case ServerEventTypeTranscript:
		err = event.decodeTranscript(msg, "text")
	case ServerEventTypeResponseAudioTranscriptDelta, ServerEventTypeResponseOutputAudioTranscript:
		err = event.decodeTranscript(msg, "delta")
	case ServerEventTypeAudioEnd, ServerEventTypeResponseAudioDone, ServerEventTypeResponseOutputAudioDone:
		event.Kind = EventAudioEnd
	case ServerEventTypeError:
		event.Kind = EventError
		event.Detail = errorDetail(msg["error"])
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (e *Event) decodeAudio(msg map[string]any, field string) error {
	v, ok := msg[field].(string)
	if !ok {
		return fmt.Errorf("%s: missing %s: %w", e.Type, field, shared.ErrMalformedMessage)
	}
	chunk, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("%s: decoding %s: %v: %w", e.Type, field, err, shared.ErrMalformedMessage)
	}
	e.Kind = EventAudio
	e.Chunk = chunk
	return nil
}

func (e *Event) decodeTranscript(msg map[string]any, field string) error {
	v, ok := msg[field].(string)
	if !ok {
		return fmt.Errorf("%s: missing %s: %w", e.Type, field, shared.ErrMalformedMessage)
	}
	e.Kind = EventTranscript
	e.Text = v
	return nil
}

// errorDetail accepts both a bare string and the {message: ...} object form.
func errorDetail(v any) string {
	switch errObj := v.(type) {
	case string:
		return errObj
	case map[string]any:
		if m, ok := errObj["message"].(string); ok {
			return m
		}
		b, err := sonic.Marshal(errObj)
		if err != nil {
			return fmt.Sprint(errObj)
		}
		return string(b)
	case nil:
		return "unknown error"
	default:
		return fmt.Sprint(errObj)
	}
}
