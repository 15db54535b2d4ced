// Package persona holds the built-in voice personas and example configurations and
// assembles them, together with user instructions and a document, into a session config.
package persona

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"unicode/utf8"

	realtime "github.com/bt-bridge/persona-voice"
	"github.com/goccy/go-yaml"
)

// TokenBudget bounds the estimated size of persona, instructions and document combined.
// It is independent of the document truncation applied when the session is configured.
const TokenBudget = 120000

var (
	ErrTokenBudgetExceeded = errors.New("content exceeds token budget")
	ErrUnknownVoice        = errors.New("unknown voice option")
	ErrUnknownExample      = errors.New("unknown example")
)

//go:embed catalog.yaml documents/*.txt
var assets embed.FS

type VoiceOption struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Instruction string `yaml:"instruction"`
}

// Example is a ready-made persona with instructions and an optional bundled document.
type Example struct {
	ID               string `yaml:"id"`
	Title            string `yaml:"title"`
	Description      string `yaml:"description"`
	DocumentPath     string `yaml:"document_path,omitempty"`
	VoiceInstruction string `yaml:"voice_instruction"`
	UserInstructions string `yaml:"user_instructions"`
}

type Catalog struct {
	Voices   []VoiceOption `yaml:"voices"`
	Examples []Example     `yaml:"examples"`

	docs fs.FS
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	data, err := assets.ReadFile("catalog.yaml")
	if err != nil {
		return nil, err
	}
	c, err := LoadCatalog(data)
	if err != nil {
		return nil, err
	}
	c.docs = assets
	return c, nil
})

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return defaultCatalog()
}

func LoadCatalog(data []byte) (*Catalog, error) {
	c := new(Catalog)
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding persona catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Voices))
	for _, v := range c.Voices {
		if v.ID == "" || v.Instruction == "" {
			return nil, fmt.Errorf("voice option %q is incomplete", v.ID)
		}
		if _, dup := seen[v.ID]; dup {
			return nil, fmt.Errorf("duplicate voice option %q", v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	return c, nil
}

func (c *Catalog) Voice(id string) (VoiceOption, error) {
	for _, v := range c.Voices {
		if v.ID == id {
			return v, nil
		}
	}
	return VoiceOption{}, fmt.Errorf("%q: %w", id, ErrUnknownVoice)
}

func (c *Catalog) Example(id string) (Example, error) {
	for _, e := range c.Examples {
		if e.ID == id {
			return e, nil
		}
	}
	return Example{}, fmt.Errorf("%q: %w", id, ErrUnknownExample)
}

// Document returns the bundled document of e, or "" when it has none.
func (c *Catalog) Document(e Example) (string, error) {
	if e.DocumentPath == "" {
		return "", nil
	}
	if c.docs == nil {
		return "", fmt.Errorf("catalog has no bundled documents for %q", e.ID)
	}
	data, err := fs.ReadFile(c.docs, e.DocumentPath)
	if err != nil {
		return "", fmt.Errorf("reading example document: %w", err)
	}
	return string(data), nil
}

// ExampleConfig assembles the session config of an example including its document.
func (c *Catalog) ExampleConfig(id string) (realtime.SessionConfig, error) {
	e, err := c.Example(id)
	if err != nil {
		return realtime.SessionConfig{}, err
	}
	doc, err := c.Document(e)
	if err != nil {
		return realtime.SessionConfig{}, err
	}
	return Assemble(VoiceOption{ID: e.ID, Name: e.Title, Instruction: e.VoiceInstruction}, e.UserInstructions, doc)
}

// EstimateTokens approximates the token count as one token per four characters.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Assemble builds the session config, rejecting content whose estimate exceeds TokenBudget.
func Assemble(voice VoiceOption, userInstructions, document string) (realtime.SessionConfig, error) {
	combined := strings.Join([]string{voice.Instruction, userInstructions, document}, " ")
	if tokens := EstimateTokens(combined); tokens > TokenBudget {
		return realtime.SessionConfig{}, fmt.Errorf("%d estimated tokens, limit %d: %w", tokens, TokenBudget, ErrTokenBudgetExceeded)
	}
	return realtime.SessionConfig{
		VoiceInstruction: voice.Instruction,
		UserInstructions: userInstructions,
		DocumentContext:  document,
	}, nil
}
