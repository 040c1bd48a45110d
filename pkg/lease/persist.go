package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/types"

	"github.com/goccy/go-yaml"
)

// Record is the acceptor state of one cell that survives restarts.
type Record struct {
	Promised protocol.Ballot `yaml:"promised"`
	Accepted protocol.Ballot `yaml:"accepted"`
	Holder   types.PeerAddr  `yaml:"holder"`
	StartMs  int64           `yaml:"start_ms"`
	EndMs    int64           `yaml:"end_ms"`
	Version  uint64          `yaml:"version"`
}

func (r Record) Lease(cell string) types.Lease {
	if r.Holder.IsZero() {
		return types.Lease{Cell: cell, Version: r.Version}
	}
	return types.Lease{
		Cell:    cell,
		Holder:  r.Holder,
		Start:   time.UnixMilli(r.StartMs),
		End:     time.UnixMilli(r.EndMs),
		Version: r.Version,
	}
}

func newRecord(promised, accepted protocol.Ballot, l types.Lease) Record {
	r := Record{Promised: promised, Accepted: accepted, Holder: l.Holder, Version: l.Version}
	if !l.IsEmpty() {
		r.StartMs = l.Start.UnixMilli()
		r.EndMs = l.End.UnixMilli()
	}
	return r
}

// Persister stores acceptor records keyed by cell.
type Persister interface {
	Load(cell string) (Record, bool, error)
	Save(cell string, r Record) error
}

// NopPersister keeps nothing; a restarted acceptor then always waits out the quiet period.
type NopPersister struct{}

func (NopPersister) Load(string) (Record, bool, error) { return Record{}, false, nil }
func (NopPersister) Save(string, Record) error         { return nil }

// FilePersister keeps one yaml file per cell.
type FilePersister struct {
	mu  sync.Mutex
	dir string
}

func NewFilePersister(dir string) (*FilePersister, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create lease dir: %w", err)
	}
	return &FilePersister{dir: dir}, nil
}

func (f *FilePersister) path(cell string) string {
	return filepath.Join(f.dir, "lease-"+filepath.Base(cell)+".yaml")
}

func (f *FilePersister) Load(cell string) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(cell))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read lease record: %w", err)
	}

	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal lease record: %w", err)
	}
	return r, true, nil
}

func (f *FilePersister) Save(cell string, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal lease record: %w", err)
	}

	tmp := f.path(cell) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write lease record: %w", err)
	}
	if err := os.Rename(tmp, f.path(cell)); err != nil {
		return fmt.Errorf("install lease record: %w", err)
	}
	return nil
}
