package domain

import "context"

// Provider represents any upstream AI provider.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	// Failures should be returned as *ProviderError.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider identifier.
	Name() string
}

// ProviderRegistry is the catalog of providers grouped into tiers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, descriptor ProviderDescriptor, provider Provider) error

	// Get retrieves a provider and its descriptor by name.
	Get(ctx context.Context, providerName string) (ProviderDescriptor, Provider, error)

	// AllProviders returns fast, medium and slow providers in order, deduplicated.
	AllProviders(excludeProblematic bool) []ProviderDescriptor

	// WorkingProviders returns the fast and medium tiers.
	WorkingProviders() []ProviderDescriptor

	// BackupProviders returns the slow tier.
	BackupProviders() []ProviderDescriptor

	// VisionProviders returns providers that accept image input.
	VisionProviders() []ProviderDescriptor

	// ImageProviders returns providers that generate images.
	ImageProviders() []ProviderDescriptor

	// IsExcluded reports whether a provider is permanently disabled.
	IsExcluded(providerName string) bool
}

// Router builds the attempt sequence for a dispatch.
type Router interface {
	// Route selects and orders candidate providers for a request.
	Route(ctx context.Context, req *RouteRequest) (*AttemptPlan, error)
}

// HistoryStore persists conversation turns per chat.
type HistoryStore interface {
	// FetchRecentTurns returns up to limit turns, oldest first.
	FetchRecentTurns(ctx context.Context, chatID int64, limit int) ([]HistoryTurn, error)

	// AppendTurn stores a turn at the end of the chat history.
	AppendTurn(ctx context.Context, chatID int64, turn HistoryTurn) error
}

// Transport delivers replies to the chat.
type Transport interface {
	// SendChatAction shows a presence signal such as "typing".
	SendChatAction(ctx context.Context, chatID int64, action string) error

	// SendText sends a message.
	SendText(ctx context.Context, chatID int64, text string) error
}
