package orchestrator

import (
	"context"
	"sync"

	"github.com/iter8/tracker-node/internal/agent"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/shared"
)

// agentSlot holds the agent currently attached to a session. A session
// outlives its agents, so the recorder talks to the slot instead.
type agentSlot struct {
	mu     sync.RWMutex
	bridge *agent.Bridge
}

func (s *agentSlot) get() *agent.Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridge
}

func (s *agentSlot) set(b *agent.Bridge) {
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
}

// clear detaches b if it is still the current agent.
func (s *agentSlot) clear(b *agent.Bridge) {
	s.mu.Lock()
	if s.bridge == b {
		s.bridge = nil
	}
	s.mu.Unlock()
}

func (s *agentSlot) Supported() bool {
	b := s.get()
	return b != nil && b.Supported()
}

func (s *agentSlot) IsTypeSupported(mimeType string) bool {
	b := s.get()
	return b != nil && b.IsTypeSupported(mimeType)
}

func (s *agentSlot) RequestDisplay(ctx context.Context, c recorder.Constraints) (recorder.Stream, error) {
	b := s.get()
	if b == nil {
		return nil, recorder.ErrUnsupported
	}
	return b.RequestDisplay(ctx, c)
}

func (s *agentSlot) Show(rect shared.Rect, state recorder.IndicatorState) error {
	if b := s.get(); b != nil {
		return b.Show(rect, state)
	}
	return nil
}

func (s *agentSlot) Update(state recorder.IndicatorState) error {
	if b := s.get(); b != nil {
		return b.Update(state)
	}
	return nil
}

func (s *agentSlot) Remove() error {
	if b := s.get(); b != nil {
		return b.Remove()
	}
	return nil
}
