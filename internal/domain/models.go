package domain

import (
	"encoding/base64"
	"time"
)

// Tier is the priority class of a provider.
type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
	TierVision Tier = "vision"
	TierImage  Tier = "image"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierMedium, TierSlow, TierVision, TierImage:
		return true
	default:
		return false
	}
}

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AutoModel lets the dispatcher pick the default model and the working tiers.
const AutoModel = "auto"

// ProviderDescriptor is the immutable identity of an upstream provider.
type ProviderDescriptor struct {
	Name             string `json:"name"`
	Tier             Tier   `json:"tier"`
	SupportsVision   bool   `json:"supports_vision"`
	SupportsImageGen bool   `json:"supports_image_gen"`
	ModelOverride    string `json:"model_override,omitempty"`
}

// ImageRef carries raw image bytes with their MIME type.
type ImageRef struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// DataURL renders the image as a base64 data URL.
func (i *ImageRef) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// PromptMessage is one entry of the model input.
type PromptMessage struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Image   *ImageRef `json:"image,omitempty"`
}

// HasImage reports whether any message carries an image.
func HasImage(messages []PromptMessage) bool {
	for _, msg := range messages {
		if msg.Image != nil {
			return true
		}
	}
	return false
}

// CompletionRequest is sent to a single provider.
type CompletionRequest struct {
	Model     string          `json:"model"`
	Messages  []PromptMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// CompletionResponse is returned by a single provider.
type CompletionResponse struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Content    string    `json:"content"`
	FinishTime time.Time `json:"finish_time"`
}

// Outcome classifies a single provider invocation.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeEmptyResponse  Outcome = "empty_response"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeFatalError     Outcome = "fatal_error"
)

// Attempt records one provider invocation inside a dispatch.
type Attempt struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Err       error         `json:"-"`
}

// DispatchRequest is the input of DispatchService.Dispatch.
type DispatchRequest struct {
	Messages []PromptMessage
	// Model is a concrete model name or AutoModel (empty means AutoModel).
	Model string
	// Providers, when set, replaces tier-based candidate selection.
	Providers []string
}

// DispatchResult is the structured outcome of a dispatch.
type DispatchResult struct {
	Success          bool      `json:"success"`
	Text             string    `json:"text,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	AttemptCount     int       `json:"attempt_count"`
	ElapsedMs        int64     `json:"elapsed_ms"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
	RateLimitedCount int       `json:"rate_limited_count"`
	ImageRequest     bool      `json:"image_request"`
	Attempts         []Attempt `json:"attempts,omitempty"`
}

// RouteRequest contains criteria for attempt planning.
type RouteRequest struct {
	Model     string
	Image     bool
	Providers []string
	// Sticky is the provider that succeeded last, if any.
	Sticky string
}

// AttemptPlan is the ordered attempt sequence for one dispatch.
type AttemptPlan struct {
	// Candidates is the rotated candidate list; its length is the cycle size.
	Candidates []ProviderDescriptor
	Sequence   []ProviderDescriptor
	Model      string
}

// HistoryTurn is one stored conversation turn.
type HistoryTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ProviderStats is the operator view of the dispatcher state.
type ProviderStats struct {
	Current      string         `json:"current"`
	WorkingCount int            `json:"working_count"`
	BackupCount  int            `json:"backup_count"`
	VisionCount  int            `json:"vision_count"`
	ImageCount   int            `json:"image_count"`
	Usage        map[string]int `json:"usage"`
	All          []string       `json:"all"`
}
