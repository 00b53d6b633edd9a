package routing

import (
	"context"
	"testing"
	"time"

	"github.com/relaymux/relaymux/pkg/errors"
)

type fakeSource struct {
	candidates map[string][]Candidate
	channels   []Channel
	keys       map[string][]string
}

func (f *fakeSource) CandidatesForModel(_ context.Context, model string) ([]Candidate, error) {
	return f.candidates[model], nil
}

func (f *fakeSource) EnabledChannels(_ context.Context) ([]Channel, error) {
	return f.channels, nil
}

func (f *fakeSource) EnabledKeys(_ context.Context, channelID string) ([]string, error) {
	return f.keys[channelID], nil
}

func candidate(id, provider string, priority, weight int) Candidate {
	return Candidate{
		Channel: Channel{
			ID:       id,
			Name:     "chan-" + id,
			Provider: provider,
			BaseURL:  "https://example.com",
			Priority: priority,
			Weight:   weight,
			Enabled:  true,
		},
		Mapping: Mapping{PublicName: "gpt-4o", ChannelID: id, ActualName: "gpt-4o-actual", Modality: "chat"},
	}
}

func TestBalancerSelectsMappedChannel(t *testing.T) {
	src := &fakeSource{
		candidates: map[string][]Candidate{"gpt-4o": {candidate("c1", "openai", 1, 10)}},
		keys:       map[string][]string{"c1": {"sk-1"}},
	}
	b := NewBalancer(src, NewCircuitBreaker(5, time.Minute))

	sel, err := b.Select(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Channel.ID != "c1" || sel.APIKey != "sk-1" {
		t.Fatalf("selection = %+v", sel)
	}
	if sel.Mapping.ActualName != "gpt-4o-actual" {
		t.Fatalf("mapping = %+v", sel.Mapping)
	}
}

func TestBalancerPriorityFailover(t *testing.T) {
	src := &fakeSource{
		candidates: map[string][]Candidate{"gpt-4o": {
			candidate("c1", "openai", 1, 10),
			candidate("c2", "anthropic", 2, 10),
		}},
		keys: map[string][]string{"c1": {"sk-1"}, "c2": {"sk-2"}},
	}
	circuit := NewCircuitBreaker(1, time.Hour)
	circuit.RecordFailure("c1")

	b := NewBalancer(src, circuit)
	sel, err := b.Select(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Channel.ID != "c2" {
		t.Fatalf("expected failover to c2, got %+v", sel.Channel)
	}
}

func TestBalancerAllChannelsFailed(t *testing.T) {
	src := &fakeSource{
		candidates: map[string][]Candidate{"gpt-4o": {candidate("c1", "openai", 1, 10)}},
		keys:       map[string][]string{"c1": {"sk-1"}},
	}
	circuit := NewCircuitBreaker(1, time.Hour)
	circuit.RecordFailure("c1")

	b := NewBalancer(src, circuit)
	_, err := b.Select(context.Background(), "gpt-4o")
	if !errors.IsKind(err, errors.KindAllChannelsFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestBalancerPassthroughWhenUnmapped(t *testing.T) {
	src := &fakeSource{
		channels: []Channel{{
			ID: "c1", Name: "direct", Provider: "openai",
			Priority: 1, Weight: 1, Enabled: true,
		}},
		keys: map[string][]string{"c1": {"sk-1"}},
	}
	b := NewBalancer(src, NewCircuitBreaker(5, time.Minute))

	sel, err := b.Select(context.Background(), "some-unmapped-model")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Mapping.PublicName != "some-unmapped-model" || sel.Mapping.ActualName != "some-unmapped-model" {
		t.Fatalf("virtual mapping = %+v", sel.Mapping)
	}
	if sel.Mapping.Modality != "chat" {
		t.Fatalf("modality = %q", sel.Mapping.Modality)
	}
}

func TestBalancerNoChannel(t *testing.T) {
	b := NewBalancer(&fakeSource{}, NewCircuitBreaker(5, time.Minute))
	_, err := b.Select(context.Background(), "ghost-model")
	if !errors.IsKind(err, errors.KindNoChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestBalancerUnknownProviderFiltered(t *testing.T) {
	src := &fakeSource{
		candidates: map[string][]Candidate{"gpt-4o": {candidate("c1", "cohere", 1, 10)}},
	}
	b := NewBalancer(src, NewCircuitBreaker(5, time.Minute))
	_, err := b.Select(context.Background(), "gpt-4o")
	// Unknown providers never become candidates; with no channels left the
	// passthrough path reports NoChannel.
	if !errors.IsKind(err, errors.KindNoChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestBalancerMissingKeyIsInternal(t *testing.T) {
	src := &fakeSource{
		candidates: map[string][]Candidate{"gpt-4o": {candidate("c1", "openai", 1, 10)}},
	}
	b := NewBalancer(src, NewCircuitBreaker(5, time.Minute))
	_, err := b.Select(context.Background(), "gpt-4o")
	if !errors.IsKind(err, errors.KindInternal) {
		t.Fatalf("err = %v", err)
	}
}

func TestBalancerKeyRotation(t *testing.T) {
	c := candidate("c1", "openai", 1, 10)
	c.Channel.KeyRotation = true
	src := &fakeSource{
		candidates: map[string][]Candidate{"gpt-4o": {c}},
		keys:       map[string][]string{"c1": {"sk-1", "sk-2", "sk-3"}},
	}
	b := NewBalancer(src, NewCircuitBreaker(5, time.Minute))

	var got []string
	for i := 0; i < 4; i++ {
		sel, err := b.Select(context.Background(), "gpt-4o")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, sel.APIKey)
	}
	want := []string{"sk-1", "sk-2", "sk-3", "sk-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestWeightedRandomSelectRespectsWeights(t *testing.T) {
	heavy := candidate("heavy", "openai", 1, 100)
	light := candidate("light", "openai", 1, 1)
	group := []Candidate{heavy, light}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[weightedRandomSelect(group).Channel.ID]++
	}
	if counts["heavy"] < counts["light"] {
		t.Fatalf("weight 100 channel picked less than weight 1: %v", counts)
	}
	// Zero and negative weights still get a slot.
	zero := candidate("zero", "openai", 1, 0)
	seen := false
	for i := 0; i < 1000; i++ {
		if weightedRandomSelect([]Candidate{heavy, zero}).Channel.ID == "zero" {
			seen = true
			break
		}
	}
	if !seen {
		t.Fatal("zero-weight channel must still be selectable")
	}
}

func TestGroupByPriorityContiguousRuns(t *testing.T) {
	groups := groupByPriority([]Candidate{
		candidate("a", "openai", 1, 1),
		candidate("b", "openai", 1, 1),
		candidate("c", "openai", 2, 1),
	})
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
}
