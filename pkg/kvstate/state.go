package kvstate

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// DefaultDB exists in every fresh state.
const DefaultDB = "default"

type table = skipmap.FuncMap[[]byte, []byte]

func newTable() *table {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

func copyTable(src *table) *table {
	dst := newTable()
	src.Range(func(k, v []byte) bool {
		dst.Store(k, v)
		return true
	})
	return dst
}

// State is the database content rebuilt from the log. Every write goes through Apply in LSN order;
// reads may run concurrently.
type State struct {
	mu        sync.RWMutex
	dbs       map[string]*table
	snapshots map[string]map[string]*table
	applied   types.LSN

	logger *slog.Logger
}

func New() *State {
	s := &State{logger: slog.Default().With("component", "kvstate")}
	s.reset()
	return s
}

func (s *State) reset() {
	s.dbs = map[string]*table{DefaultDB: newTable()}
	s.snapshots = make(map[string]map[string]*table)
	s.applied = types.LSN{}
}

// Reset drops everything; used before rebuilding from a transferred log.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *State) Applied() types.LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Get reads a key. It never touches the log.
func (s *State) Get(db string, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	t, ok := s.dbs[db]
	s.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("database %q: %w", db, dberrors.ErrNotFound)
	}

	v, found := t.Load(key)
	if !found {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Check reports whether o would apply cleanly on the current state. Writes are checked before they
// are logged so the log only carries operations that succeed everywhere.
func (s *State) Check(o op.Operation) error {
	if err := o.Validate(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(o)
}

func (s *State) check(o op.Operation) error {
	_, exists := s.dbs[o.DB]
	switch o.Kind {
	case op.Get, op.Insert, op.Delete, op.DeleteDB, op.CreateSnapshot:
		if !exists {
			return fmt.Errorf("database %q: %w", o.DB, dberrors.ErrNotFound)
		}
	case op.CreateDB:
		if exists {
			return fmt.Errorf("%w: database %q already exists", dberrors.ErrInvalidArgument, o.DB)
		}
	case op.CopyDB:
		if !exists {
			return fmt.Errorf("database %q: %w", o.DB, dberrors.ErrNotFound)
		}
		if _, ok := s.dbs[o.Target]; ok {
			return fmt.Errorf("%w: database %q already exists", dberrors.ErrInvalidArgument, o.Target)
		}
	case op.DeleteSnapshot:
		if _, ok := s.snapshots[o.DB][o.Target]; !ok {
			return fmt.Errorf("snapshot %q of %q: %w", o.Target, o.DB, dberrors.ErrNotFound)
		}
	}
	if o.Kind == op.CreateSnapshot {
		if _, ok := s.snapshots[o.DB][o.Target]; ok {
			return fmt.Errorf("%w: snapshot %q already exists", dberrors.ErrInvalidArgument, o.Target)
		}
	}
	return nil
}

// Apply executes a logged write. Entries at or below the applied LSN are skipped.
// An operation that no longer applies is logged and skipped: the outcome is the same on every replica.
func (s *State) Apply(entry types.LogEntry) error {
	o, err := op.Decode(entry.Payload)
	if err != nil {
		return fmt.Errorf("apply %s: %w", entry.LSN, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.applied.Less(entry.LSN) {
		return nil
	}
	s.applied = entry.LSN

	if err := s.check(o); err != nil {
		s.logger.Warn("skipping logged operation", "lsn", entry.LSN, "op", o.Kind, "error", err)
		return nil
	}
	s.apply(o)
	return nil
}

// ApplyUnlogged executes a write that is not part of the replicated log.
func (s *State) ApplyUnlogged(o op.Operation) error {
	if err := o.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(o); err != nil {
		return err
	}
	s.apply(o)
	return nil
}

func (s *State) apply(o op.Operation) {
	switch o.Kind {
	case op.Insert:
		s.dbs[o.DB].Store(bytes.Clone(o.Key), bytes.Clone(o.Value))
	case op.Delete:
		s.dbs[o.DB].Delete(o.Key)
	case op.CreateDB:
		s.dbs[o.DB] = newTable()
	case op.DeleteDB:
		delete(s.dbs, o.DB)
		delete(s.snapshots, o.DB)
	case op.CopyDB:
		s.dbs[o.Target] = copyTable(s.dbs[o.DB])
	case op.CreateSnapshot:
		if s.snapshots[o.DB] == nil {
			s.snapshots[o.DB] = make(map[string]*table)
		}
		s.snapshots[o.DB][o.Target] = copyTable(s.dbs[o.DB])
	case op.DeleteSnapshot:
		delete(s.snapshots[o.DB], o.Target)
	}
}

// Databases lists database names in order.
func (s *State) Databases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Snapshots lists snapshot names of db in order.
func (s *State) Snapshots(db string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]string, 0, len(s.snapshots[db]))
	for name := range s.snapshots[db] {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Dump copies one database; tests compare replicas with it.
func (s *State) Dump(db string) map[string]string {
	s.mu.RLock()
	t, ok := s.dbs[db]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	res := make(map[string]string, t.Len())
	t.Range(func(k, v []byte) bool {
		res[string(k)] = string(v)
		return true
	})
	return res
}
