package agentloop

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

var (
	// ErrCheckpointConflict is returned when a checkpoint does not advance the
	// run's sequence.
	ErrCheckpointConflict = errors.New("checkpoint sequence conflict")
	// ErrCheckpointNotFound is returned when a run has no checkpoints.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Checkpoint is the state snapshot taken after one loop phase.
type Checkpoint struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	Sequence  int           `json:"sequence"`
	Phase     Phase         `json:"phase"`
	Digest    string        `json:"digest"`
	Snapshot  StateSnapshot `json:"snapshot"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewCheckpoint builds a checkpoint with a fresh ULID and a digest of the
// snapshot's turn log.
func NewCheckpoint(runID string, seq int, phase Phase, snap StateSnapshot) Checkpoint {
	return Checkpoint{
		ID:        ulid.Make().String(),
		RunID:     runID,
		Sequence:  seq,
		Phase:     phase,
		Digest:    TurnDigest(snap.Turns),
		Snapshot:  snap,
		CreatedAt: time.Now(),
	}
}

// TurnDigest hashes the JSON encoding of turns with BLAKE3. Equal logs hash
// equal, so a prefix check across checkpoints can compare digests.
func TurnDigest(turns []Turn) string {
	h := blake3.New()
	enc := json.NewEncoder(h)
	for _, t := range turns {
		// Timestamps are excluded so digests depend only on content.
		t.Timestamp = time.Time{}
		_ = enc.Encode(t)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Checkpointer stores per-phase checkpoints keyed by run id.
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context, runID string) (Checkpoint, error)
	List(ctx context.Context, runID string) ([]Checkpoint, error)
}

// MemoryCheckpointer keeps checkpoints in memory.
type MemoryCheckpointer struct {
	mu   sync.RWMutex
	runs map[string][]Checkpoint
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{runs: map[string][]Checkpoint{}}
}

func (m *MemoryCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.runs[cp.RunID]
	if n := len(history); n > 0 && cp.Sequence <= history[n-1].Sequence {
		return fmt.Errorf(
			"%w: run %q at sequence %d, got %d",
			ErrCheckpointConflict,
			cp.RunID,
			history[n-1].Sequence,
			cp.Sequence,
		)
	}
	cp.Snapshot = cp.Snapshot.clone()
	m.runs[cp.RunID] = append(history, cp)
	return nil
}

func (m *MemoryCheckpointer) Latest(_ context.Context, runID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.runs[runID]
	if len(history) == 0 {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	cp := history[len(history)-1]
	cp.Snapshot = cp.Snapshot.clone()
	return cp, nil
}

func (m *MemoryCheckpointer) List(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.runs[runID]
	if len(history) == 0 {
		return nil, ErrCheckpointNotFound
	}
	out := make([]Checkpoint, len(history))
	for i, cp := range history {
		cp.Snapshot = cp.Snapshot.clone()
		out[i] = cp
	}
	return out, nil
}
