package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestMemoryCheckpointerSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointer()

	if _, err := store.Latest(ctx, "run"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}

	st := NewConversationState("task")
	if err := store.Save(ctx, NewCheckpoint("run", 1, PhaseAnalyze, st.Snapshot())); err != nil {
		t.Fatal(err)
	}
	st.Append(NewUserTurn("more"))
	if err := store.Save(ctx, NewCheckpoint("run", 2, PhaseVerify, st.Snapshot())); err != nil {
		t.Fatal(err)
	}

	latest, err := store.Latest(ctx, "run")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Sequence != 2 || latest.Phase != PhaseVerify || len(latest.Snapshot.Turns) != 2 {
		t.Errorf("unexpected latest checkpoint %+v", latest)
	}
	if _, err := ulid.Parse(latest.ID); err != nil {
		t.Errorf("expected ULID id, got %q: %v", latest.ID, err)
	}

	// Loaded snapshots are copies.
	latest.Snapshot.Turns[0].User.Content = "mutated"
	again, _ := store.Latest(ctx, "run")
	if again.Snapshot.Turns[0].User.Content != "task" {
		t.Error("checkpoint store shares turns with callers")
	}

	all, err := store.List(ctx, "run")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d (%v)", len(all), err)
	}
	if all[0].ID >= all[1].ID {
		t.Errorf("expected ids to sort by creation, got %s then %s", all[0].ID, all[1].ID)
	}
}

func TestMemoryCheckpointerRejectsStaleSequence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointer()
	snap := NewConversationState("task").Snapshot()

	if err := store.Save(ctx, NewCheckpoint("run", 3, PhaseAnalyze, snap)); err != nil {
		t.Fatal(err)
	}
	for _, seq := range []int{1, 3} {
		if err := store.Save(ctx, NewCheckpoint("run", seq, PhaseAnalyze, snap)); !errors.Is(err, ErrCheckpointConflict) {
			t.Errorf("sequence %d: expected ErrCheckpointConflict, got %v", seq, err)
		}
	}
	// Other runs are independent.
	if err := store.Save(ctx, NewCheckpoint("other", 1, PhaseAnalyze, snap)); err != nil {
		t.Errorf("unexpected error for another run: %v", err)
	}
}

func TestTurnDigestIgnoresTimestamps(t *testing.T) {
	a := []Turn{NewUserTurn("same")}
	b := []Turn{NewUserTurn("same")}
	b[0].Timestamp = b[0].Timestamp.Add(1e9)
	if TurnDigest(a) != TurnDigest(b) {
		t.Error("expected equal digests for equal content")
	}
	if TurnDigest(a) == TurnDigest([]Turn{NewUserTurn("different")}) {
		t.Error("expected different digests for different content")
	}
}
