package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/markl/internal/domain"
)

// SequenceRouter builds attempt sequences from the provider registry.
type SequenceRouter struct {
	registry     domain.ProviderRegistry
	maxCycles    int
	maxAttempts  int
	defaultModel string
	visionModel  string
}

// NewRouter creates a new router.
func NewRouter(registry domain.ProviderRegistry, cfg *domain.DispatchConfig) *SequenceRouter {
	r := &SequenceRouter{
		registry:     registry,
		maxCycles:    2,
		maxAttempts:  15,
		defaultModel: "gpt-4",
		visionModel:  "gpt-4o",
	}

	if cfg != nil {
		if cfg.MaxCycles > 0 {
			r.maxCycles = cfg.MaxCycles
		}
		if cfg.MaxAttempts > 0 {
			r.maxAttempts = cfg.MaxAttempts
		}
		if cfg.DefaultModel != "" {
			r.defaultModel = cfg.DefaultModel
		}
		if cfg.VisionModel != "" {
			r.visionModel = cfg.VisionModel
		}
	}

	return r
}

// Route selects the candidate providers, rotates them to the sticky provider
// and expands them into the bounded attempt sequence.
func (r *SequenceRouter) Route(ctx context.Context, req *domain.RouteRequest) (*domain.AttemptPlan, error) {
	if req == nil {
		return nil, errors.New("route request cannot be nil")
	}

	candidates, model, err := r.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	candidates = r.filter(candidates)
	candidates = Rotate(candidates, req.Sticky)

	return &domain.AttemptPlan{
		Candidates: candidates,
		Sequence:   BuildSequence(candidates, r.maxCycles, r.maxAttempts),
		Model:      model,
	}, nil
}

func (r *SequenceRouter) candidates(
	ctx context.Context,
	req *domain.RouteRequest,
) ([]domain.ProviderDescriptor, string, error) {
	explicitModel := req.Model != "" && req.Model != domain.AutoModel

	model := r.defaultModel
	if explicitModel {
		model = req.Model
	}

	switch {
	case len(req.Providers) > 0:
		list := make([]domain.ProviderDescriptor, 0, len(req.Providers))
		for _, name := range req.Providers {
			desc, _, err := r.registry.Get(ctx, name)
			if err != nil {
				return nil, "", fmt.Errorf("failed to resolve provider %s: %w", name, err)
			}
			list = append(list, desc)
		}
		if req.Image && !explicitModel {
			model = r.visionModel
		}
		return list, model, nil
	case req.Image:
		return r.registry.VisionProviders(), r.visionModel, nil
	case explicitModel:
		working := r.registry.WorkingProviders()
		backup := r.registry.BackupProviders()
		list := make([]domain.ProviderDescriptor, 0, len(working)+len(backup))
		list = append(list, working...)
		list = append(list, backup...)
		return list, model, nil
	default:
		return r.registry.WorkingProviders(), model, nil
	}
}

// filter drops excluded providers and duplicates, keeping first-seen order.
func (r *SequenceRouter) filter(list []domain.ProviderDescriptor) []domain.ProviderDescriptor {
	seen := make(map[string]struct{}, len(list))
	out := make([]domain.ProviderDescriptor, 0, len(list))

	for _, desc := range list {
		if r.registry.IsExcluded(desc.Name) {
			continue
		}
		if _, dup := seen[desc.Name]; dup {
			continue
		}
		seen[desc.Name] = struct{}{}
		out = append(out, desc)
	}

	return out
}

// Rotate returns list starting at the provider named sticky, or list unchanged
// when sticky is not part of it.
func Rotate(list []domain.ProviderDescriptor, sticky string) []domain.ProviderDescriptor {
	if sticky == "" {
		return list
	}

	for i, desc := range list {
		if desc.Name != sticky {
			continue
		}
		rotated := make([]domain.ProviderDescriptor, 0, len(list))
		rotated = append(rotated, list[i:]...)
		rotated = append(rotated, list[:i]...)
		return rotated
	}

	return list
}

// BuildSequence repeats candidates for maxCycles full cycles and truncates
// the result to maxAttempts entries.
func BuildSequence(candidates []domain.ProviderDescriptor, maxCycles, maxAttempts int) []domain.ProviderDescriptor {
	if len(candidates) == 0 || maxCycles <= 0 || maxAttempts <= 0 {
		return []domain.ProviderDescriptor{}
	}

	sequence := make([]domain.ProviderDescriptor, 0, min(len(candidates)*maxCycles, maxAttempts))
	for range maxCycles {
		sequence = append(sequence, candidates...)
	}

	if len(sequence) > maxAttempts {
		sequence = sequence[:maxAttempts]
	}

	return sequence
}
