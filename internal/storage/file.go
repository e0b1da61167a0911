package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json  (periodic snapshot: sequence + all entries)
//   - <prefix>.journal.jsonl  (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	entries map[int64]Entry
	seq     int64
	writes  int
}

const compactEvery = 256

type fileSnapshot struct {
	Seq     int64   `json:"seq"`
	Entries []Entry `json:"entries"`
}

type journalRecord struct {
	Op    string `json:"op"` // "put" | "del" | "seq"
	Entry *Entry `json:"entry,omitempty"`
	ID    int64  `json:"id,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		entries:      map[int64]Entry{},
	}
	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := st.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for id := range st.entries {
		if id > st.seq {
			st.seq = id
		}
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf

	// Fold whatever was replayed into a fresh snapshot so the journal starts empty.
	if err := st.compactLocked(); err != nil {
		_ = jf.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("snapshot", snapPath), logx.Int("entries", len(st.entries)), logx.Int64("seq", st.seq))
	return st, nil
}

func (s *fileStore) Put(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	e = e.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", Entry: &e}); err != nil {
		return err
	}
	s.entries[e.ID] = e
	if e.ID > s.seq {
		s.seq = e.ID
	}
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Get(ctx context.Context, id int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Entry{}, ErrClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *fileStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		if s.journal == nil {
			return ErrClosed
		}
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.entries, id)
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) NextID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq + 1
	if err := s.appendLocked(journalRecord{Op: "seq", Seq: next}); err != nil {
		return 0, err
	}
	s.seq = next
	s.maybeCompactLocked()
	return next, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	// One write per record keeps a torn tail to a single unparseable line.
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	return nil
}

func (s *fileStore) maybeCompactLocked() {
	if s.writes < compactEvery {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Seq: s.seq, Entries: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, e)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.seq = snap.Seq
	for _, e := range snap.Entries {
		s.entries[e.ID] = e
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case "put":
			if r.Entry != nil && r.Entry.ID > 0 {
				s.entries[r.Entry.ID] = *r.Entry
			}
		case "del":
			delete(s.entries, r.ID)
		case "seq":
			if r.Seq > s.seq {
				s.seq = r.Seq
			}
		}
	}
	if skipped > 0 {
		s.log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", path))
	}
	return sc.Err()
}
