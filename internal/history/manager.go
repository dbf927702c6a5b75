// Package history records editor snapshots for undo and redo. Old entries
// spill to a durable store once too many are held in memory.
package history

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/codec"
	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/MeKo-Tech/pixelstack/internal/events"
	"github.com/MeKo-Tech/pixelstack/internal/metrics"
	"github.com/MeKo-Tech/pixelstack/internal/preview"
	"github.com/MeKo-Tech/pixelstack/internal/worker"
	"github.com/oklog/ulid/v2"
)

// Config configures a Manager.
type Config struct {
	Mode Mode
	// ProjectID namespaces durable keys (default: a fresh ULID).
	ProjectID string
	Source    Source
	Renderer  Renderer
	// Store receives spilled entries. Without one every entry stays resident.
	Store durable.Store
	// Codec runs entry encoding and decoding. Without one it runs inline.
	Codec *worker.Pool

	// MaxEntries caps the timeline length (default 50).
	MaxEntries int
	// MemoryWatermark is the resident entry count that triggers a spill (default 20).
	MemoryWatermark int
	// Debounce is the quiet period that ends a coalesced save (default 300ms).
	Debounce time.Duration
	// IOTimeout bounds each durable read or write (default 5s).
	IOTimeout   time.Duration
	SpillFormat codec.Format
	// Quality is the JPEG quality for lossy spill.
	Quality int
	// ThumbnailSize enables thumbnails on Saved events.
	ThumbnailSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns the defaults for a layer-mode manager.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeLayers,
		MaxEntries:      50,
		MemoryWatermark: 20,
		Debounce:        300 * time.Millisecond,
		IOTimeout:       5 * time.Second,
		SpillFormat:     codec.FormatZstd,
	}
}

// State summarises the timeline.
type State struct {
	Position int  `json:"position"`
	Length   int  `json:"length"`
	Resident int  `json:"resident"`
	InFlight int  `json:"in_flight"`
	CanUndo  bool `json:"can_undo"`
	CanRedo  bool `json:"can_redo"`
}

// entry is one timeline slot. snap is nil once the entry has spilled.
type entry struct {
	seq       uint64
	snap      *Snapshot
	activeID  string
	durableID string
	stamp     uint64
	createdAt time.Time
}

// Manager owns the timeline.
//
// opMu serialises captures and restores; mu guards the timeline and the
// in-flight registry and is never held across I/O.
type Manager struct {
	cfg Config
	bus events.Bus[Event]

	opMu sync.Mutex

	mu       sync.Mutex
	entries  []*entry
	pos      int
	nextSeq  uint64
	stamp    uint64
	inflight map[uint64]chan struct{}
	pending  bool
	timer    *time.Timer
	closed   bool

	wg sync.WaitGroup
}

// New creates a manager with an empty timeline.
func New(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("history needs a source")
	}
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MemoryWatermark <= 0 {
		cfg.MemoryWatermark = def.MemoryWatermark
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}
	if cfg.SpillFormat == codec.FormatStack {
		cfg.SpillFormat = codec.FormatZstd
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = ulid.Make().String()
	}
	if err := durable.ValidateProjectID(cfg.ProjectID); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		pos:      -1,
		inflight: make(map[uint64]chan struct{}),
	}, nil
}

func (m *Manager) log() *slog.Logger {
	if m.cfg.Logger != nil {
		return m.cfg.Logger
	}
	return slog.Default()
}

// ProjectID returns the durable key namespace.
func (m *Manager) ProjectID() string { return m.cfg.ProjectID }

// Subscribe registers h for history events.
func (m *Manager) Subscribe(h func(Event)) (unsubscribe func()) {
	return m.bus.Subscribe(h)
}

// State returns the current timeline summary.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	st := State{
		Position: m.pos,
		Length:   len(m.entries),
		InFlight: len(m.inflight),
		CanUndo:  m.pos > 0,
		CanRedo:  m.pos >= 0 && m.pos < len(m.entries)-1,
	}
	for _, e := range m.entries {
		if e.snap != nil {
			st.Resident++
		}
	}
	return st
}

func (m *Manager) updateGauges(st State) {
	m.cfg.Metrics.Timeline(st.Length, st.Resident)
}

func (m *Manager) nextStampLocked() uint64 {
	m.stamp++
	return m.stamp
}

// Save schedules a coalesced capture. Calls within Debounce of each other
// collapse into one entry, taken once the edits go quiet.
func (m *Manager) Save() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = true
	if m.timer == nil {
		m.timer = time.AfterFunc(m.cfg.Debounce, m.fire)
		return
	}
	m.timer.Reset(m.cfg.Debounce)
}

func (m *Manager) fire() {
	if err := m.Flush(context.Background()); err != nil {
		m.log().Error("coalesced history capture failed", "error", err)
	}
}

// Pending reports whether a coalesced capture is waiting.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// takePending clears the pending flag and reports whether it was set.
func (m *Manager) takePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.pending
	m.pending = false
	if m.timer != nil {
		m.timer.Stop()
	}
	return was
}

// Flush commits a pending coalesced capture now.
func (m *Manager) Flush(ctx context.Context) error {
	if !m.takePending() {
		return nil
	}
	return m.capture(ctx, "coalesced")
}

// SaveImmediate captures now. A pending coalesced capture is folded in.
func (m *Manager) SaveImmediate(ctx context.Context) error {
	m.takePending()
	return m.capture(ctx, "immediate")
}

func (m *Manager) capture(ctx context.Context, trigger string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	snap, err := m.cfg.Source.Capture()
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}

	m.mu.Lock()
	var discarded []*entry
	if m.pos < len(m.entries)-1 {
		discarded = append(discarded, m.entries[m.pos+1:]...)
		m.entries = m.entries[:m.pos+1]
	}

	e := &entry{
		seq:       m.nextSeq,
		snap:      snap,
		activeID:  snap.ActiveID,
		stamp:     m.nextStampLocked(),
		createdAt: time.Now(),
	}
	m.nextSeq++
	m.entries = append(m.entries, e)
	m.pos = len(m.entries) - 1

	for len(m.entries) > m.cfg.MaxEntries {
		discarded = append(discarded, m.entries[0])
		m.entries[0] = nil
		m.entries = m.entries[1:]
		m.pos--
	}
	st := m.stateLocked()
	m.mu.Unlock()

	m.cfg.Metrics.Capture(trigger)
	m.updateGauges(st)
	m.discard(discarded)
	m.log().Debug("history captured", "index", e.seq, "trigger", trigger, "length", st.Length, "resident", st.Resident)

	m.bus.Publish(Event{Type: EventSaved, Index: e.seq, State: st, Thumbnail: m.thumbnail(snap)})
	m.maybeEvict()
	return nil
}

func (m *Manager) thumbnail(snap *Snapshot) *image.NRGBA {
	if m.cfg.ThumbnailSize <= 0 {
		return nil
	}
	var src *image.NRGBA
	if f, ok := m.cfg.Renderer.(framer); ok {
		src = f.Frame()
	}
	if src == nil {
		src = snap.Pixels
	}
	if src == nil {
		return nil
	}
	thumb, err := preview.Thumbnail(src, m.cfg.ThumbnailSize)
	if err != nil {
		m.log().Warn("history thumbnail failed", "error", err)
		return nil
	}
	return thumb
}

// Undo restores the previous entry.
func (m *Manager) Undo(ctx context.Context) error {
	return m.step(ctx, -1)
}

// Redo restores the next entry.
func (m *Manager) Redo(ctx context.Context) error {
	return m.step(ctx, +1)
}

func (m *Manager) step(ctx context.Context, delta int) error {
	if err := m.Flush(ctx); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	start := time.Now()

	typ, none := EventUndo, ErrNothingToUndo
	if delta > 0 {
		typ, none = EventRedo, ErrNothingToRedo
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	target := m.pos + delta
	if m.pos < 0 || target < 0 || target >= len(m.entries) {
		m.mu.Unlock()
		return none
	}
	e := m.entries[target]
	// touching the entry keeps an eviction in flight from dropping it
	e.stamp = m.nextStampLocked()
	snap := e.snap
	done := m.inflight[e.seq]
	m.mu.Unlock()

	// a spill still writing this entry settles first; the touched stamp
	// keeps it from releasing the snapshot afterwards
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		snap = e.snap
		m.mu.Unlock()
	}

	if snap == nil {
		var err error
		if snap, err = m.rehost(ctx, e); err != nil {
			return err
		}
	}

	if err := m.cfg.Source.Apply(snap); err != nil {
		return fmt.Errorf("restore entry %d: %w", e.seq, err)
	}

	// the store now holds the target entry, so the position follows it even
	// when the frame cannot be rendered
	m.mu.Lock()
	m.pos = target
	st := m.stateLocked()
	m.mu.Unlock()

	var renderErr error
	if m.cfg.Renderer != nil {
		if err := m.cfg.Renderer.RecompositeNow(ctx); err != nil {
			renderErr = fmt.Errorf("recomposite after %s: %w", typ, err)
			m.log().Warn("history restored without a frame", "index", e.seq, "error", err)
		}
	}

	m.cfg.Metrics.ObserveRestore(time.Since(start))
	m.updateGauges(st)
	m.log().Debug("history "+typ.String(), "index", e.seq, "position", st.Position)
	m.bus.Publish(Event{Type: typ, Index: e.seq, State: st})
	m.maybeEvict()
	return renderErr
}

// rehost brings a spilled entry back into memory.
func (m *Manager) rehost(ctx context.Context, e *entry) (*Snapshot, error) {
	m.mu.Lock()
	snap, id, activeID := e.snap, e.durableID, e.activeID
	m.mu.Unlock()
	if snap != nil {
		return snap, nil
	}

	snap, err := m.fetch(ctx, e.seq, id, activeID)
	if err != nil {
		lost := &EntryLostError{Index: e.seq, Err: err}
		m.cfg.Metrics.Fetch("lost")
		m.log().Error("history entry could not be restored", "index", e.seq, "durable_id", id, "error", err)
		m.bus.Publish(Event{Type: EventError, Index: e.seq, State: m.State(), Err: lost})
		return nil, lost
	}
	m.cfg.Metrics.Fetch("ok")

	m.mu.Lock()
	e.snap = snap
	e.stamp = m.nextStampLocked()
	m.mu.Unlock()
	return snap, nil
}

// Clear drops every entry.
func (m *Manager) Clear() {
	m.takePending()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	discarded := m.entries
	m.entries = nil
	m.pos = -1
	st := m.stateLocked()
	m.mu.Unlock()

	m.updateGauges(st)
	m.discard(discarded)
	m.bus.Publish(Event{Type: EventCleared, State: st})
}

// Sync waits until no eviction is in flight.
func (m *Manager) Sync(ctx context.Context) error {
	for {
		m.mu.Lock()
		var wait chan struct{}
		for _, ch := range m.inflight {
			wait = ch
			break
		}
		m.mu.Unlock()
		if wait == nil {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels a pending coalesced capture and waits for background
// writes. The timeline stays readable.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.pending = false
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
