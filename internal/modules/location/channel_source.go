// README: In-process location source fed by Push (HTTP clients, simulators, tests).
package location

import (
	"context"
	"sync"

	"ridetrack/internal/types"
)

var _ Source = (*ChannelSource)(nil)

const channelSourceBuffer = 16

// ChannelSource delivers pushed readings to whoever is currently reading.
// Readings pushed while nobody is reading, or while the reader is behind,
// are dropped.
type ChannelSource struct {
	mu     sync.Mutex
	out    chan types.Reading
	denied bool
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{}
}

// Deny makes subsequent Readings calls fail with ErrPermissionDenied.
func (s *ChannelSource) Deny() {
	s.mu.Lock()
	s.denied = true
	s.mu.Unlock()
}

func (s *ChannelSource) Readings(ctx context.Context) (<-chan types.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return nil, ErrPermissionDenied
	}
	out := make(chan types.Reading, channelSourceBuffer)
	if s.out != nil {
		close(s.out)
	}
	s.out = out
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.out == out {
			close(out)
			s.out = nil
		}
	}()
	return out, nil
}

// Push reports whether the reading was handed to an active reader.
func (s *ChannelSource) Push(r types.Reading) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return false
	}
	select {
	case s.out <- r:
		return true
	default:
		return false
	}
}
