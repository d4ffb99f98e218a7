package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relaybot.db")

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	cp := Checkpoint{
		TaskID:     "relay-9",
		Principal:  "u7",
		SourceFeed: "-1001|src",
		TargetFeed: "-1002|dst",
		StartID:    1,
		EndID:      0,
		LastID:     42,
		Processed:  40,
		Skipped:    2,
		Status:     "paused",
		UpdatedAt:  time.Now(),
	}
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// Upsert: saving newer progress for the same task overwrites.
	cp.LastID = 99
	cp.Processed = 95
	if err := st.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint upsert: %v", err)
	}

	got, ok, err := st.LoadCheckpoint(ctx, "relay-9")
	if err != nil || !ok {
		t.Fatalf("LoadCheckpoint: ok=%v err=%v", ok, err)
	}
	if got.LastID != 99 || got.Processed != 95 || got.Status != "paused" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.SourceFeed != "-1001|src" {
		t.Fatalf("source feed = %q", got.SourceFeed)
	}

	list, err := st.ListCheckpoints(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListCheckpoints: %v %v", list, err)
	}

	if err := st.DeleteCheckpoint(ctx, "relay-9"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, ok, _ := st.LoadCheckpoint(ctx, "relay-9"); ok {
		t.Fatal("checkpoint should be gone")
	}
}
