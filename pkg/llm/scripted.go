package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptEntry defines a single scripted reasoner turn. Exactly one of
// Response, Raw, FunctionCall, or Err should be set.
type ScriptEntry struct {
	Response     *Response     // pre-built response, returned as-is
	Raw          string        // shorthand: raw model output, run through ParseResponse
	FunctionCall *FunctionCall // shorthand: wrapped as a tool-call response
	Err          error         // returned from Generate

	// Test control.
	BlockUntilCancelled bool            // block Generate until ctx is cancelled, then return ctx.Err()
	WaitCh              <-chan struct{} // block Generate until closed, then return the normal response
	OnBlock             chan<- struct{} // notified when Generate enters its blocking path
}

// ScriptedReasoner implements Reasoner with a dual-dispatch script:
// mode-routed entries for turns whose order is non-deterministic, plus a
// sequential fallback consumed in order. It doubles as the offline provider
// when a default handler is installed.
type ScriptedReasoner struct {
	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     map[Mode][]ScriptEntry
	routeIndex map[Mode]int
	captured   []Request
	defaultFn  func(Request) (*Response, error)
}

// NewScriptedReasoner creates an empty scripted reasoner. Generate fails once
// the script is exhausted unless SetDefault installed a fallback.
func NewScriptedReasoner() *ScriptedReasoner {
	return &ScriptedReasoner{
		routes:     make(map[Mode][]ScriptEntry),
		routeIndex: make(map[Mode]int),
	}
}

// AddSequential appends an entry consumed in order for unrouted calls.
func (s *ScriptedReasoner) AddSequential(entry ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequential = append(s.sequential, entry)
}

// AddRouted appends an entry for a specific mode. Routed entries are tried
// before the sequential script.
func (s *ScriptedReasoner) AddRouted(mode Mode, entry ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[mode] = append(s.routes[mode], entry)
}

// SetDefault installs a fallback invoked when the script is exhausted. Used
// by the offline provider to answer indefinitely.
func (s *ScriptedReasoner) SetDefault(fn func(Request) (*Response, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultFn = fn
}

// Generate implements Reasoner.
func (s *ScriptedReasoner) Generate(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	s.captured = append(s.captured, req)
	entry, fallback, err := s.nextEntry(req.Mode)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fallback != nil {
		return fallback(req)
	}

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case entry.Err != nil:
		return nil, entry.Err
	case entry.Response != nil:
		return entry.Response, nil
	case entry.FunctionCall != nil:
		return &Response{FunctionCall: entry.FunctionCall}, nil
	case entry.Raw != "":
		return ParseResponse(req.Mode, entry.Raw)
	default:
		return nil, fmt.Errorf("scripted reasoner: empty entry (mode=%q)", req.Mode)
	}
}

// Close implements Reasoner.
func (s *ScriptedReasoner) Close() error { return nil }

// CallCount returns the total number of Generate calls made.
func (s *ScriptedReasoner) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captured)
}

// CapturedRequests returns a copy of every request seen so far.
func (s *ScriptedReasoner) CapturedRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.captured))
	copy(out, s.captured)
	return out
}

// nextEntry selects the next script entry. Routed dispatch wins, then the
// sequential script, then the default handler. Must be called with s.mu held.
func (s *ScriptedReasoner) nextEntry(mode Mode) (*ScriptEntry, func(Request) (*Response, error), error) {
	if entries, ok := s.routes[mode]; ok {
		idx := s.routeIndex[mode]
		if idx < len(entries) {
			s.routeIndex[mode] = idx + 1
			return &entries[idx], nil, nil
		}
	}
	if s.seqIndex < len(s.sequential) {
		entry := &s.sequential[s.seqIndex]
		s.seqIndex++
		return entry, nil, nil
	}
	if s.defaultFn != nil {
		return nil, s.defaultFn, nil
	}
	return nil, nil, fmt.Errorf("scripted reasoner: no more entries (mode=%q, sequential=%d/%d)",
		mode, s.seqIndex, len(s.sequential))
}
