package usecase

import (
	"context"
	"sync"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Multiplexer fuses N source streams into one ordered feed on the outer
// sink. Invariants:
//   - sources get a stable small-integer index in registration order
//   - exactly one Meta event precedes any Delta, listing sources known at
//     that instant; later registrations use their textual id
//   - per-source deltas keep arrival order; no cross-source guarantee
//   - a source ending never closes the outer sink
//   - Status and State events bypass source ordering but serialize on the
//     sink
//   - sink writes are awaited, so a full sink pauses upstream reads
type Multiplexer struct {
	sink domain.StreamSink

	mu        sync.Mutex
	sources   []string
	index     map[string]int
	metaSent  bool
	metaCount int
	open      int
	allEnded  chan struct{}
}

// NewMultiplexer creates a multiplexer writing to sink.
func NewMultiplexer(sink domain.StreamSink) *Multiplexer {
	return &Multiplexer{
		sink:     sink,
		index:    make(map[string]int),
		allEnded: make(chan struct{}),
	}
}

// Source is one registered upstream. Its methods are safe for use from a
// single producer goroutine.
type Source struct {
	mux   *Multiplexer
	id    string
	ended bool
}

// Register adds a source and returns its handle. Registering after Meta was
// emitted is allowed; such sources are identified by textual id downstream.
func (m *Multiplexer) Register(id string) *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.index[id]; !dup {
		m.index[id] = len(m.sources)
		m.sources = append(m.sources, id)
	}
	if m.allEnded == nil {
		m.allEnded = make(chan struct{})
	}
	m.open++
	return &Source{mux: m, id: id}
}

// sourceRef returns the compact reference for a source: its integer index
// when the source was listed in Meta, its textual id otherwise.
func (m *Multiplexer) sourceRef(id string) any {
	idx, ok := m.index[id]
	if ok && m.metaSent && idx < m.metaCount {
		return idx
	}
	return id
}

// write serializes one event on the sink.
func (m *Multiplexer) write(ctx context.Context, ev domain.StreamEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink.Write(ctx, ev)
}

// ensureMetaLocked emits the Meta event once, before the first delta.
func (m *Multiplexer) ensureMetaLocked(ctx context.Context) error {
	if m.metaSent {
		return nil
	}
	meta := domain.MetaEvent{Sources: append([]string(nil), m.sources...)}
	m.metaSent = true
	m.metaCount = len(m.sources)
	return m.sink.Write(ctx, meta)
}

// Delta forwards one payload chunk from this source.
func (s *Source) Delta(ctx context.Context, payload any) error {
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()
	if err := s.mux.ensureMetaLocked(ctx); err != nil {
		return err
	}
	return s.mux.sink.Write(ctx, domain.DeltaEvent{Source: s.mux.sourceRef(s.id), Payload: payload})
}

// End marks this source finished. Idempotent.
func (s *Source) End(ctx context.Context) error {
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	err := s.mux.sink.Write(ctx, domain.EndEvent{Source: s.mux.sourceRef(s.id)})
	s.mux.open--
	if s.mux.open == 0 && s.mux.allEnded != nil {
		close(s.mux.allEnded)
		s.mux.allEnded = nil
	}
	return err
}

// Error emits a stream error for this source and ends it. The outer sink
// stays open.
func (s *Source) Error(ctx context.Context, statusCode int, statusText string) error {
	if err := s.mux.write(ctx, domain.ErrorEvent{StatusCode: statusCode, StatusText: statusText}); err != nil {
		return err
	}
	return s.End(ctx)
}

// Status emits an advisory status event, serialized on the sink.
func (m *Multiplexer) Status(ctx context.Context, st domain.StatusEvent) error {
	return m.write(ctx, st)
}

// PushState pushes a named state patch to the client.
func (m *Multiplexer) PushState(ctx context.Context, state domain.StateEvent) error {
	return m.write(ctx, state)
}

// Result emits a terminal result event.
func (m *Multiplexer) Result(ctx context.Context, text any) error {
	return m.write(ctx, domain.ResultEvent{Text: text})
}

// EmitMeta forces the Meta event out before any delta arrives. Used by
// handlers that want the source list on the wire immediately.
func (m *Multiplexer) EmitMeta(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureMetaLocked(ctx)
}

// WaitAllEnded blocks until every registered source has emitted End, or ctx
// is done.
func (m *Multiplexer) WaitAllEnded(ctx context.Context) error {
	m.mu.Lock()
	ch := m.allEnded
	open := m.open
	m.mu.Unlock()
	if open == 0 || ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
