package realtime

import (
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

const (
	DefaultVoiceInstruction = "You are a helpful AI assistant."
	// DocumentTruncationNotice follows a document that was cut at the truncation threshold.
	DocumentTruncationNotice = "\n\n[Document truncated to keep the voice connection stable. The full content remains available during the conversation.]"
	DefaultTruncateAt        = 20000
)

const (
	userInstructionsHeader = "Additional user instructions:\n"
	documentHeader         = "Document context:\n"
	documentFooter         = "\n\nUse this document as a reference when answering the user. Quote specific information from it when relevant."
)

// BuildInstructions assembles the persona, the user instructions and the document into
// one instruction text. Documents longer than truncateAt characters are cut to exactly
// truncateAt characters followed by DocumentTruncationNotice.
func BuildInstructions(cfg SessionConfig, truncateAt int) string {
	if truncateAt <= 0 {
		truncateAt = DefaultTruncateAt
	}
	var b strings.Builder
	voice := cfg.VoiceInstruction
	if voice == "" {
		voice = DefaultVoiceInstruction
	}
	b.WriteString(voice)
	if strings.TrimSpace(cfg.UserInstructions) != "" {
		b.WriteString("\n\n")
		b.WriteString(userInstructionsHeader)
		b.WriteString(cfg.UserInstructions)
	}
	if strings.TrimSpace(cfg.DocumentContext) != "" {
		b.WriteString("\n\n")
		b.WriteString(documentHeader)
		b.WriteString(TruncateDocument(cfg.DocumentContext, truncateAt))
		b.WriteString(documentFooter)
	}
	return b.String()
}

// TruncateDocument returns doc unchanged when it fits, otherwise its first limit
// characters and the truncation notice.
func TruncateDocument(doc string, limit int) string {
	if utf8.RuneCountInString(doc) <= limit {
		return doc
	}
	n := 0
	for i := range doc {
		if n == limit {
			return doc[:i] + DocumentTruncationNotice
		}
		n++
	}
	return doc + DocumentTruncationNotice
}

type TurnDetection struct {
	Type              string  `json:"type" yaml:"type"`
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms" yaml:"silence_duration_ms"`
}

// SessionParams is the session block of the session.update message.
type SessionParams struct {
	Instructions            string        `json:"instructions" yaml:"instructions"`
	Voice                   string        `json:"voice" yaml:"voice"`
	InputAudioFormat        string        `json:"input_audio_format" yaml:"input_audio_format"`
	OutputAudioFormat       string        `json:"output_audio_format" yaml:"output_audio_format"`
	TurnDetection           TurnDetection `json:"turn_detection" yaml:"turn_detection"`
	Temperature             float64       `json:"temperature" yaml:"temperature"`
	MaxResponseOutputTokens int           `json:"max_response_output_tokens" yaml:"max_response_output_tokens"`
}

func DefaultSessionParams() SessionParams {
	return SessionParams{
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 200,
		},
		Temperature:             0.7,
		MaxResponseOutputTokens: 4096,
	}
}

type SessionUpdate struct {
	Type    ClientEventType `json:"type" yaml:"type"`
	Session SessionParams   `json:"session" yaml:"session"`
}

// NewSessionUpdate builds the configuration message sent once the control channel opens.
func NewSessionUpdate(instructions string, params SessionParams) SessionUpdate {
	params.Instructions = instructions
	if params.Voice == "" {
		params.Voice = "alloy"
	}
	return SessionUpdate{
		Type:    ClientEventTypeSessionUpdate,
		Session: params,
	}
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	type alias SessionUpdate
	return sonic.Marshal(alias(u))
}
