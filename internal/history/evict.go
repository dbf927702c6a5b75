package history

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MeKo-Tech/pixelstack/internal/codec"
	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/MeKo-Tech/pixelstack/internal/worker"
)

// maybeEvict spills the oldest resident entries while too many are held in
// memory. Writes run in the background; the current entry always stays.
func (m *Manager) maybeEvict() {
	if m.cfg.Store == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	for m.evictableLocked() >= m.cfg.MemoryWatermark {
		e := m.oldestResidentLocked()
		if e == nil {
			return
		}
		if e.durableID != "" {
			// already stored by an earlier spill and unchanged since
			e.snap = nil
			m.cfg.Metrics.Eviction("dropped", 0)
			continue
		}

		done := make(chan struct{})
		m.inflight[e.seq] = done
		m.wg.Add(1)
		go m.evict(e, e.snap, e.stamp, done)
	}
}

func (m *Manager) evictableLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.snap == nil {
			continue
		}
		if _, busy := m.inflight[e.seq]; busy {
			continue
		}
		n++
	}
	return n
}

func (m *Manager) oldestResidentLocked() *entry {
	for i, e := range m.entries {
		if i == m.pos || e.snap == nil {
			continue
		}
		if _, busy := m.inflight[e.seq]; busy {
			continue
		}
		return e
	}
	return nil
}

func (m *Manager) containsLocked(e *entry) bool {
	return slices.Contains(m.entries, e)
}

func (m *Manager) isCurrentLocked(e *entry) bool {
	return m.pos >= 0 && m.pos < len(m.entries) && m.entries[m.pos] == e
}

// evict writes one entry. The snapshot is released only if the entry was
// not touched while the write was in flight.
func (m *Manager) evict(e *entry, snap *Snapshot, stamp uint64, done chan struct{}) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, e.seq)
		m.mu.Unlock()
		close(done)
	}()

	ctx := context.Background()
	data, err := m.encode(ctx, snap)
	var id string
	if err == nil {
		putCtx, cancel := context.WithTimeout(ctx, m.cfg.IOTimeout)
		id, err = m.cfg.Store.Put(putCtx, m.cfg.ProjectID, e.seq, data)
		cancel()
	}
	if err != nil {
		err = fmt.Errorf("%w: entry %d: %w", ErrPersistenceWriteFailed, e.seq, err)
		m.cfg.Metrics.Eviction("failed", 0)
		m.log().Error("history spill failed, entry stays in memory", "index", e.seq, "error", err)
		m.bus.Publish(Event{Type: EventError, Index: e.seq, State: m.State(), Err: err})
		return
	}

	m.mu.Lock()
	live := m.containsLocked(e)
	released := false
	if live {
		e.durableID = id
		if e.snap == snap && e.stamp == stamp && !m.isCurrentLocked(e) {
			e.snap = nil
			released = true
		}
	}
	st := m.stateLocked()
	m.mu.Unlock()

	if !live {
		m.deleteDurable([]string{id})
		m.cfg.Metrics.Eviction("orphaned", len(data))
		return
	}
	if released {
		m.cfg.Metrics.Eviction("spilled", len(data))
	} else {
		m.cfg.Metrics.Eviction("retained", len(data))
	}
	m.updateGauges(st)
	m.log().Debug("history entry spilled", "index", e.seq, "durable_id", id, "bytes", len(data), "released", released)
}

// discard drops durable copies of entries that left the timeline.
func (m *Manager) discard(entries []*entry) {
	var ids []string
	for _, e := range entries {
		if e != nil && e.durableID != "" {
			ids = append(ids, e.durableID)
		}
	}
	m.deleteDurable(ids)
}

// deleteDurable removes ids in the background. Once the manager is closed
// the deletes run inline so Close never races a late wg.Add.
func (m *Manager) deleteDurable(ids []string) {
	d, ok := m.cfg.Store.(durable.Deleter)
	if !ok || len(ids) == 0 {
		return
	}
	run := func() {
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.IOTimeout)
			err := d.Delete(ctx, id)
			cancel()
			if err != nil && !errors.Is(err, durable.ErrNotFound) {
				m.log().Warn("failed to delete discarded history entry", "durable_id", id, "error", err)
			}
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		run()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		run()
	}()
}

func (m *Manager) encode(ctx context.Context, snap *Snapshot) ([]byte, error) {
	opts := codec.Options{Format: m.cfg.SpillFormat, Quality: m.cfg.Quality}
	return onCodec(ctx, m.cfg.Codec, func(context.Context) ([]byte, error) {
		if snap.Stack != nil {
			return codec.EncodeStack(snap.Stack, opts)
		}
		if snap.Pixels == nil {
			return nil, fmt.Errorf("empty snapshot")
		}
		return codec.EncodeImage(snap.Pixels, opts)
	})
}

// fetch reads a spilled entry back, by durable id first and by timeline
// index when the id is unknown to the store.
func (m *Manager) fetch(ctx context.Context, seq uint64, id, activeID string) (*Snapshot, error) {
	if m.cfg.Store == nil {
		return nil, fmt.Errorf("no durable store configured")
	}
	ioCtx, cancel := context.WithTimeout(ctx, m.cfg.IOTimeout)
	defer cancel()

	var (
		data []byte
		err  = durable.ErrNotFound
	)
	if id != "" {
		data, err = m.cfg.Store.Get(ioCtx, id)
	}
	if errors.Is(err, durable.ErrNotFound) {
		data, err = m.cfg.Store.GetByIndex(ioCtx, m.cfg.ProjectID, seq)
	}
	if err != nil {
		return nil, err
	}

	return onCodec(ctx, m.cfg.Codec, func(context.Context) (*Snapshot, error) {
		return m.decode(data, activeID)
	})
}

func (m *Manager) decode(data []byte, activeID string) (*Snapshot, error) {
	h, err := codec.Peek(data)
	if err != nil {
		return nil, err
	}
	if h.Format == codec.FormatStack {
		stack, err := codec.DecodeStack(data)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Stack: stack, ActiveID: stack.ActiveID}, nil
	}
	if m.cfg.Mode == ModeLayers {
		return nil, fmt.Errorf("%w: %s entry in layer mode", codec.ErrCorrupt, h.Format)
	}
	px, err := codec.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Pixels: px, ActiveID: activeID}, nil
}

// onCodec runs fn on the codec pool, or inline when no pool is running.
func onCodec[T any](ctx context.Context, p *worker.Pool, fn func(context.Context) (T, error)) (T, error) {
	if !p.Available() {
		return fn(ctx)
	}
	return worker.Call(ctx, p, fn)
}
