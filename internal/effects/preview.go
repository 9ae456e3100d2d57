package effects

import (
	"context"
	"sync"
)

// PreviewSink performs no I/O. It validates the effect and records what
// would have been delivered.
type PreviewSink struct {
	mu       sync.Mutex
	recorded []Delivery
}

// NewPreviewSink creates a PreviewSink.
func NewPreviewSink() *PreviewSink {
	return &PreviewSink{}
}

func (s *PreviewSink) Deliver(_ context.Context, d Delivery) (any, bool, error) {
	if err := ValidateEffect(d.Effect); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	s.recorded = append(s.recorded, d)
	s.mu.Unlock()
	return map[string]any{
		"simulated":   true,
		"kind":        string(d.Effect.Kind),
		"destination": d.Effect.Destination,
	}, false, nil
}

// Recorded returns the deliveries simulated so far.
func (s *PreviewSink) Recorded() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.recorded))
	copy(out, s.recorded)
	return out
}
