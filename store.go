package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned by stores when no record exists for an id.
var ErrNotFound = errors.New("not found")

// writeFileAtomic replaces path with data in one step so readers never
// observe a partially written document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// validRecordID rejects ids that could name a file outside the store.
func validRecordID(id string) bool {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

// jsonStore keeps one pretty-printed JSON document per id in a directory.
type jsonStore struct {
	dir string
	mu  sync.RWMutex
}

func newJSONStore(dir string) (*jsonStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &jsonStore{dir: dir}, nil
}

func (s *jsonStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *jsonStore) put(id string, v interface{}) error {
	if !validRecordID(id) {
		return fmt.Errorf("invalid record id %q", id)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

func (s *jsonStore) get(id string, v interface{}) error {
	if !validRecordID(id) {
		return ErrNotFound
	}
	s.mu.RLock()
	data, err := os.ReadFile(s.path(id))
	s.mu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	return nil
}

func (s *jsonStore) exists(id string) bool {
	if !validRecordID(id) {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// ids lists record ids in lexical order.
func (s *jsonStore) ids() ([]string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

func (s *jsonStore) count() int {
	ids, err := s.ids()
	if err != nil {
		return 0
	}
	return len(ids)
}

// TaskStore persists task records keyed by task id.
type TaskStore struct{ s *jsonStore }

func NewTaskStore(dir string) (*TaskStore, error) {
	s, err := newJSONStore(dir)
	if err != nil {
		return nil, err
	}
	return &TaskStore{s: s}, nil
}

func (ts *TaskStore) Put(t *Task) error { return ts.s.put(t.TaskID, t) }

func (ts *TaskStore) Get(id string) (*Task, error) {
	var t Task
	if err := ts.s.get(id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (ts *TaskStore) Exists(id string) bool { return ts.s.exists(id) }

func (ts *TaskStore) Count() int { return ts.s.count() }

// All loads every task. Unreadable records are skipped.
func (ts *TaskStore) All() ([]*Task, error) {
	ids, err := ts.s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := ts.Get(id)
		if err != nil {
			log.Printf("task store: skipping %s: %v", id, err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ReceiptStore persists receipts keyed by task id.
type ReceiptStore struct{ s *jsonStore }

func NewReceiptStore(dir string) (*ReceiptStore, error) {
	s, err := newJSONStore(dir)
	if err != nil {
		return nil, err
	}
	return &ReceiptStore{s: s}, nil
}

func (rs *ReceiptStore) Put(rc *Receipt) error { return rs.s.put(rc.TaskID, rc) }

func (rs *ReceiptStore) Get(taskID string) (*Receipt, error) {
	var rc Receipt
	if err := rs.s.get(taskID, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (rs *ReceiptStore) Count() int { return rs.s.count() }

func (rs *ReceiptStore) All() ([]*Receipt, error) {
	ids, err := rs.s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]*Receipt, 0, len(ids))
	for _, id := range ids {
		rc, err := rs.Get(id)
		if err != nil {
			log.Printf("receipt store: skipping %s: %v", id, err)
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}
