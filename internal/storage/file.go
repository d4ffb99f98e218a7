package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.checkpoints.snapshot.json (periodic snapshot)
//   - <prefix>.checkpoints.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. On open, the
// snapshot is loaded and the journal replayed on top of it, so a crash
// between compactions loses nothing.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	checkpoints  map[string]Checkpoint

	writes int
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".checkpoints.snapshot.json"
	journalPath := prefix + ".checkpoints.journal.jsonl"

	cps := map[string]Checkpoint{}
	_ = loadSnapshot(snapPath, cps)
	_ = replayJournal(journalPath, cps)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		checkpoints:  cps,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on close so restarts start from a clean snapshot.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("checkpoint compact on close failed", logx.Any("err", err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_ = ctx
	cp.TaskID = strings.TrimSpace(cp.TaskID)
	if cp.TaskID == "" {
		return errors.New("checkpoint task id is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("checkpoint journal closed")
	}
	if s.checkpoints == nil {
		s.checkpoints = map[string]Checkpoint{}
	}
	s.checkpoints[cp.TaskID] = cp

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(cp); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("checkpoint compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) LoadCheckpoint(ctx context.Context, taskID string) (Checkpoint, bool, error) {
	_ = ctx
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Checkpoint{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[taskID]
	return cp, ok, nil
}

func (s *fileStore) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *fileStore) DeleteCheckpoint(ctx context.Context, taskID string) error {
	_ = ctx
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[taskID]; !ok {
		return nil
	}
	delete(s.checkpoints, taskID)
	// A delete is recorded as a tombstone: an entry with an empty status and
	// zero LastID would be ambiguous, so compact immediately instead.
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	if s.checkpoints == nil {
		return nil
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.checkpoints); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if s.journalFile == nil {
		return nil
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Checkpoint) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Checkpoint
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Checkpoint) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var cp Checkpoint
		if err := json.Unmarshal(s.Bytes(), &cp); err != nil {
			continue
		}
		if cp.TaskID == "" {
			continue
		}
		out[cp.TaskID] = cp
	}
	return s.Err()
}
