package routing

import (
	"context"
	"math/rand"

	"github.com/relaymux/relaymux/internal/codec"
	"github.com/relaymux/relaymux/pkg/errors"
)

// Channel is a configured upstream endpoint.
type Channel struct {
	ID          string
	Name        string
	Provider    string
	BaseURL     string
	Priority    int
	Weight      int
	Enabled     bool
	KeyRotation bool
}

// Mapping binds a public model name to a channel's actual model name.
type Mapping struct {
	ID         string
	PublicName string
	ChannelID  string
	ActualName string
	Modality   string
}

// Candidate is one joined row of a mapping with its channel, ordered by
// channel priority.
type Candidate struct {
	Channel Channel
	Mapping Mapping
}

// ChannelSource supplies channel, mapping, and key data for selection.
type ChannelSource interface {
	// CandidatesForModel returns enabled channels mapped to the public model
	// name, ordered by priority ascending.
	CandidatesForModel(ctx context.Context, model string) ([]Candidate, error)

	// EnabledChannels returns all enabled channels ordered by priority
	// ascending, for passthrough routing.
	EnabledChannels(ctx context.Context) ([]Channel, error)

	// EnabledKeys returns the channel's enabled API keys in stable order.
	EnabledKeys(ctx context.Context, channelID string) ([]string, error)
}

// Selection is the routing outcome: where to send the request and with
// which credentials.
type Selection struct {
	Channel Channel
	Mapping Mapping
	APIKey  string
}

// Balancer picks a channel for each request: candidates are grouped by
// priority, unhealthy channels are filtered per group, and the survivor is
// drawn by weighted random.
type Balancer struct {
	source  ChannelSource
	circuit *CircuitBreaker
	rotator *keyRotator
}

func NewBalancer(source ChannelSource, circuit *CircuitBreaker) *Balancer {
	return &Balancer{
		source:  source,
		circuit: circuit,
		rotator: newKeyRotator(),
	}
}

// Circuit exposes the breaker so the proxy can record outcomes.
func (b *Balancer) Circuit() *CircuitBreaker { return b.circuit }

// Select resolves the channel, mapping, and API key for a public model
// name. Models without an explicit mapping fall back to passthrough across
// all enabled channels.
func (b *Balancer) Select(ctx context.Context, model string) (*Selection, error) {
	candidates, err := b.source.CandidatesForModel(ctx, model)
	if err != nil {
		return nil, err
	}
	candidates = filterKnownProviders(candidates)

	if len(candidates) == 0 {
		return b.selectPassthrough(ctx, model)
	}

	for _, group := range groupByPriority(candidates) {
		available := make([]Candidate, 0, len(group))
		for _, c := range group {
			if b.circuit.IsAvailable(c.Channel.ID) {
				available = append(available, c)
			}
		}
		if len(available) == 0 {
			continue
		}

		selected := weightedRandomSelect(available)
		key, err := b.pickKey(ctx, selected.Channel)
		if err != nil {
			return nil, err
		}
		return &Selection{Channel: selected.Channel, Mapping: selected.Mapping, APIKey: key}, nil
	}

	return nil, errors.NewAllChannelsFailed(model)
}

// selectPassthrough routes over every enabled channel with a virtual
// mapping whose public and actual names are both the requested model.
func (b *Balancer) selectPassthrough(ctx context.Context, model string) (*Selection, error) {
	channels, err := b.source.EnabledChannels(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(channels))
	for _, ch := range channels {
		candidates = append(candidates, Candidate{
			Channel: ch,
			Mapping: Mapping{
				PublicName: model,
				ChannelID:  ch.ID,
				ActualName: model,
				Modality:   "chat",
			},
		})
	}
	candidates = filterKnownProviders(candidates)

	if len(candidates) == 0 {
		return nil, errors.NewNoChannel(model)
	}

	for _, group := range groupByPriority(candidates) {
		available := make([]Candidate, 0, len(group))
		for _, c := range group {
			if b.circuit.IsAvailable(c.Channel.ID) {
				available = append(available, c)
			}
		}
		if len(available) == 0 {
			continue
		}

		selected := weightedRandomSelect(available)
		key, err := b.pickKey(ctx, selected.Channel)
		if err != nil {
			return nil, err
		}
		return &Selection{Channel: selected.Channel, Mapping: selected.Mapping, APIKey: key}, nil
	}

	return nil, errors.NewAllChannelsFailed(model)
}

func (b *Balancer) pickKey(ctx context.Context, ch Channel) (string, error) {
	keys, err := b.source.EnabledKeys(ctx, ch.ID)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", errors.NewInternal("No API key for channel '" + ch.Name + "'")
	}
	if ch.KeyRotation {
		return keys[b.rotator.next(ch.ID, len(keys))], nil
	}
	return keys[0], nil
}

// filterKnownProviders drops channels whose provider has no wire format.
func filterKnownProviders(candidates []Candidate) []Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if _, ok := codec.FormatFromProvider(c.Channel.Provider); ok {
			out = append(out, c)
		}
	}
	return out
}

// groupByPriority splits a priority-ordered slice into contiguous runs of
// equal priority.
func groupByPriority(candidates []Candidate) [][]Candidate {
	var groups [][]Candidate
	for _, c := range candidates {
		if n := len(groups); n > 0 && groups[n-1][0].Channel.Priority == c.Channel.Priority {
			groups[n-1] = append(groups[n-1], c)
			continue
		}
		groups = append(groups, []Candidate{c})
	}
	return groups
}

// weightedRandomSelect draws one candidate; weights below 1 count as 1.
func weightedRandomSelect(candidates []Candidate) Candidate {
	if len(candidates) == 1 {
		return candidates[0]
	}

	total := 0
	for _, c := range candidates {
		total += max(c.Channel.Weight, 1)
	}

	pick := rand.Intn(total)
	for _, c := range candidates {
		pick -= max(c.Channel.Weight, 1)
		if pick < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
