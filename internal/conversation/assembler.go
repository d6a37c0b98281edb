// Package conversation builds the prompt sequence sent to providers from the
// system prompt, stored history and the incoming message.
package conversation

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/davidbz/markl/internal/domain"
)

const (
	// DefaultSystemPrompt is used when SYSTEM_PROMPT is not set.
	DefaultSystemPrompt = "You are a friendly and helpful assistant chatting in a messenger. " +
		"Answer in the language of the user, keep replies concise and use simple formatting."

	// DefaultImagePrompt replaces an empty caption on an image message.
	DefaultImagePrompt = "Describe what you see in this image."
)

// ErrEmptyMessage is returned when a message has neither text nor image.
var ErrEmptyMessage = errors.New("message has neither text nor image")

// Config contains prompt assembly settings.
type Config struct {
	SystemPrompt string `env:"SYSTEM_PROMPT"`
	ImagePrompt  string `env:"IMAGE_DEFAULT_PROMPT"`
	MaxTurns     int    `env:"CONVERSATION_MAX_TURNS" envDefault:"50"`
	MaxChars     int    `env:"CONVERSATION_MAX_CHARS" envDefault:"50000"`
	HistoryLimit int    `env:"HISTORY_LIMIT"          envDefault:"10"`
	MaxImageSize int    `env:"IMAGE_MAX_BYTES"        envDefault:"10485760"`
}

// Assembler merges system prompt, history and the new message.
type Assembler struct {
	systemPrompt string
	imagePrompt  string
	maxTurns     int
	maxChars     int
	historyLimit int
	maxImageSize int
}

// NewAssembler creates an assembler (DI constructor).
func NewAssembler(cfg *Config) *Assembler {
	a := &Assembler{
		systemPrompt: DefaultSystemPrompt,
		imagePrompt:  DefaultImagePrompt,
		maxTurns:     50,
		maxChars:     50000,
		historyLimit: 10,
		maxImageSize: 10 << 20,
	}

	if cfg == nil {
		return a
	}

	if cfg.SystemPrompt != "" {
		a.systemPrompt = cfg.SystemPrompt
	}
	if cfg.ImagePrompt != "" {
		a.imagePrompt = cfg.ImagePrompt
	}
	if cfg.MaxTurns > 0 {
		a.maxTurns = cfg.MaxTurns
	}
	if cfg.MaxChars > 0 {
		a.maxChars = cfg.MaxChars
	}
	if cfg.HistoryLimit > 0 {
		a.historyLimit = cfg.HistoryLimit
	}
	if cfg.MaxImageSize > 0 {
		a.maxImageSize = cfg.MaxImageSize
	}

	return a
}

// HistoryLimit is how many stored turns the caller should fetch.
func (a *Assembler) HistoryLimit() int {
	return a.historyLimit
}

// Build returns the ordered prompt: one system message, the history, and the
// new user turn last.
func (a *Assembler) Build(text string, image *domain.ImageRef, history []domain.HistoryTurn) ([]domain.PromptMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" && image == nil {
		return nil, ErrEmptyMessage
	}

	messages := make([]domain.PromptMessage, 0, len(history)+2)
	messages = append(messages, domain.PromptMessage{Role: domain.RoleSystem, Content: a.systemPrompt})

	for _, turn := range history {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			continue
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		messages = append(messages, domain.PromptMessage{Role: turn.Role, Content: turn.Content})
	}

	newest := domain.PromptMessage{Role: domain.RoleUser, Content: text, Image: image}
	if image != nil && text == "" {
		newest.Content = a.imagePrompt
	}
	messages = append(messages, newest)

	return a.trim(messages), nil
}

// trim drops the oldest non-system turns until both the turn and the
// character budgets hold. The system message and the newest turn stay.
func (a *Assembler) trim(messages []domain.PromptMessage) []domain.PromptMessage {
	system, turns := messages[0], messages[1:]

	if len(turns) > a.maxTurns {
		turns = turns[len(turns)-a.maxTurns:]
	}

	total := utf8.RuneCountInString(system.Content)
	for _, msg := range turns {
		total += utf8.RuneCountInString(msg.Content)
	}

	for total > a.maxChars && len(turns) > 1 {
		total -= utf8.RuneCountInString(turns[0].Content)
		turns = turns[1:]
	}

	out := make([]domain.PromptMessage, 0, len(turns)+1)
	out = append(out, system)
	out = append(out, turns...)

	return out
}
