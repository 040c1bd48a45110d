package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"lsmrepl/pkg/clock"
	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/types"

	"github.com/petar/GoLLRB/llrb"
)

const (
	segmentExt     = ".wal"
	checkpointFile = "checkpoint.json"
	stagingDir     = "staging"

	// view u32 | seq u64 | crc u32 | len u32
	headerSize = 4 + 8 + 4 + 4
)

// WAL is a write-ahead log keyed by LSN. Every view gets its own segment file.
type WAL struct {
	mu sync.RWMutex

	dir    string
	pos    *clock.Sequence // view and sequence number of the latest entry
	file   *os.File        // segment of the current view
	size   int64
	index  *llrb.LLRB
	closed bool

	checkpoint types.LSN
	logger     *slog.Logger
}

// item locates one record inside its segment.
type item struct {
	lsn    types.LSN
	offset int64
	length uint32
}

func (i item) Less(than llrb.Item) bool {
	return i.lsn.Less(than.(item).lsn)
}

// Open loads every segment under dir and rebuilds the index. A torn record at the tail of a
// segment is cut off.
func Open(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		pos:    clock.NewSequence(),
		logger: slog.Default().With("component", "wal"),
	}
	if err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) load() error {
	w.index = llrb.New()
	w.pos.Restore(0, 0)
	w.size = 0

	views, err := w.segments()
	if err != nil {
		return err
	}
	for _, v := range views {
		if err := w.loadSegment(v); err != nil {
			return fmt.Errorf("failed to load segment %d: %w", v, err)
		}
	}

	if len(views) > 0 {
		view := views[len(views)-1]
		if err := w.openSegment(view); err != nil {
			return err
		}
		w.pos.Restore(view, w.lastSeqOf(view))
	}

	cp, err := w.readCheckpoint()
	if err != nil {
		return err
	}
	w.checkpoint = cp
	return nil
}

// segments returns the views present on disk in ascending order.
func (w *WAL) segments() ([]uint32, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL dir: %w", err)
	}
	var views []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := parseSegmentName(e.Name()); ok {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views, nil
}

func segmentName(view uint32) string {
	return fmt.Sprintf("%010d%s", view, segmentExt)
}

func parseSegmentName(name string) (uint32, bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func (w *WAL) loadSegment(view uint32) error {
	path := filepath.Join(w.dir, segmentName(view))
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		entry, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil || entry.LSN.ViewID != view || !entry.Valid() {
			w.logger.Warn("truncating torn WAL tail", "segment", view, "offset", offset, "error", err)
			return os.Truncate(path, offset)
		}

		w.index.ReplaceOrInsert(item{
			lsn:    entry.LSN,
			offset: offset,
			length: uint32(len(entry.Payload)),
		})
		offset += headerSize + int64(len(entry.Payload))
	}
}

func (w *WAL) openSegment(view uint32) error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	path := filepath.Join(w.dir, segmentName(view))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w.file = file
	w.size = st.Size()
	return nil
}

func (w *WAL) lastSeqOf(view uint32) uint64 {
	var last uint64
	w.index.DescendLessOrEqual(item{lsn: types.NewLSN(view, math.MaxUint64)}, func(i llrb.Item) bool {
		if it := i.(item); it.lsn.ViewID == view {
			last = it.lsn.SequenceNo
		}
		return false
	})
	return last
}

// Append commits payload under the next LSN of the current view.
func (w *WAL) Append(payload []byte) (types.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return types.LogEntry{}, err
	}
	if w.pos.Current().View == 0 {
		return types.LogEntry{}, fmt.Errorf("%w: no view opened", dberrors.ErrInvalidArgument)
	}

	next := w.pos.Peek()
	entry := types.NewLogEntry(types.NewLSN(next.View, next.Seq), payload)
	if err := w.writeEntry(entry); err != nil {
		return types.LogEntry{}, err
	}
	w.pos.Advance()
	return entry, nil
}

// AppendEntry stores an entry produced by another node. It must directly follow the latest LSN.
func (w *WAL) AppendEntry(entry types.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	if !entry.Valid() {
		return fmt.Errorf("%w: checksum mismatch at %s", dberrors.ErrInvalidArgument, entry.LSN)
	}
	if next := w.latest().Next(); entry.LSN != next || w.pos.Current().View == 0 {
		return fmt.Errorf("%w: entry %s does not follow %s", dberrors.ErrInvalidArgument, entry.LSN, w.latest())
	}

	if err := w.writeEntry(entry); err != nil {
		return err
	}
	w.pos.Advance()
	return nil
}

func (w *WAL) writable() error {
	if w.closed || w.file == nil && w.pos.Current().View != 0 {
		return dberrors.ErrClosed
	}
	return nil
}

// writeEntry writes, syncs and indexes one record. Callers hold mu.
func (w *WAL) writeEntry(entry types.LogEntry) error {
	if len(entry.Payload) > math.MaxUint32 {
		return fmt.Errorf("payload too large: %d", len(entry.Payload))
	}

	buf := make([]byte, headerSize+len(entry.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], entry.LSN.ViewID)
	binary.LittleEndian.PutUint64(buf[4:12], entry.LSN.SequenceNo)
	binary.LittleEndian.PutUint32(buf[12:16], entry.Checksum)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(entry.Payload)))
	copy(buf[headerSize:], entry.Payload)

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.index.ReplaceOrInsert(item{lsn: entry.LSN, offset: w.size, length: uint32(len(entry.Payload))})
	w.size += int64(len(buf))
	return nil
}

func readRecord(r io.Reader) (types.LogEntry, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return types.LogEntry{}, fmt.Errorf("short header: %w", err)
		}
		return types.LogEntry{}, err
	}

	entry := types.LogEntry{
		LSN: types.NewLSN(
			binary.LittleEndian.Uint32(header[0:4]),
			binary.LittleEndian.Uint64(header[4:12]),
		),
		Checksum: binary.LittleEndian.Uint32(header[12:16]),
	}
	entry.Payload = make([]byte, binary.LittleEndian.Uint32(header[16:20]))
	if _, err := io.ReadFull(r, entry.Payload); err != nil {
		return types.LogEntry{}, fmt.Errorf("short payload: %w", io.ErrUnexpectedEOF)
	}
	return entry, nil
}

// LatestLSN is the last committed LSN. Right after SwitchView it is (view, 0).
func (w *WAL) LatestLSN() types.LSN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest()
}

func (w *WAL) latest() types.LSN {
	p := w.pos.Current()
	return types.NewLSN(p.View, p.Seq)
}

// View is the view new local entries are written to.
func (w *WAL) View() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pos.Current().View
}

// SwitchView opens a new view above every view seen so far. Sequence numbers restart at 1.
func (w *WAL) SwitchView() (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, dberrors.ErrClosed
	}

	next := w.pos.Current().View + 1
	if err := w.openSegment(next); err != nil {
		return 0, err
	}
	w.pos.OpenView(next)

	w.logger.Info("switched view", "view", next)
	return next, nil
}

// ReadEntries returns up to max consecutive entries in [from, to]. If from is not in the log
// while later entries are, the range has been lost and ErrLogRemoved is returned.
func (w *WAL) ReadEntries(from, to types.LSN, max int) ([]types.LogEntry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return nil, dberrors.ErrClosed
	}

	items := w.scan(from, to, max)
	if len(items) == 0 {
		if w.latest().Less(from) || from.SequenceNo == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", from, dberrors.ErrLogRemoved)
	}
	if items[0].lsn != from && from.SequenceNo != 0 {
		return nil, fmt.Errorf("read %s: %w", from, dberrors.ErrLogRemoved)
	}

	return w.readItems(items)
}

func (w *WAL) scan(from, to types.LSN, max int) []item {
	var items []item
	w.index.AscendGreaterOrEqual(item{lsn: from}, func(i llrb.Item) bool {
		it := i.(item)
		if to.Less(it.lsn) || (max > 0 && len(items) >= max) {
			return false
		}
		items = append(items, it)
		return true
	})
	return items
}

func (w *WAL) readItems(items []item) ([]types.LogEntry, error) {
	files := make(map[uint32]*os.File)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	res := make([]types.LogEntry, 0, len(items))
	for _, it := range items {
		f, ok := files[it.lsn.ViewID]
		if !ok {
			var err error
			f, err = os.Open(filepath.Join(w.dir, segmentName(it.lsn.ViewID)))
			if err != nil {
				return nil, fmt.Errorf("failed to open segment: %w", err)
			}
			files[it.lsn.ViewID] = f
		}

		entry, err := readRecord(io.NewSectionReader(f, it.offset, headerSize+int64(it.length)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", it.lsn, err)
		}
		if entry.LSN != it.lsn || !entry.Valid() {
			return nil, fmt.Errorf("read %s: corrupt record: %w", it.lsn, dberrors.ErrLogRemoved)
		}
		res = append(res, entry)
	}
	return res, nil
}

// Replay feeds every entry at or after from to fn in LSN order. fn runs without the lock held.
func (w *WAL) Replay(from types.LSN, fn func(types.LogEntry) error) error {
	const batch = 256
	end := types.NewLSN(math.MaxUint32, math.MaxUint64)

	for {
		w.mu.RLock()
		if w.closed {
			w.mu.RUnlock()
			return dberrors.ErrClosed
		}
		entries, err := w.readItems(w.scan(from, end, batch))
		w.mu.RUnlock()
		if err != nil {
			return err
		}

		for _, e := range entries {
			if err := fn(e); err != nil {
				return fmt.Errorf("WAL replay callback failed: %w", err)
			}
		}
		if len(entries) < batch {
			return nil
		}
		from = entries[len(entries)-1].LSN.Next()
	}
}

type checkpointRecord struct {
	LSN types.LSN `json:"lsn"`
}

// TriggerCheckpointAt records lsn as replicated on enough peers. Only moves forward.
func (w *WAL) TriggerCheckpointAt(lsn types.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.checkpoint.Less(lsn) {
		return nil
	}

	data, err := json.Marshal(checkpointRecord{LSN: lsn})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := filepath.Join(w.dir, checkpointFile+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, checkpointFile)); err != nil {
		return fmt.Errorf("install checkpoint: %w", err)
	}

	w.checkpoint = lsn
	return nil
}

func (w *WAL) Checkpoint() types.LSN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.checkpoint
}

func (w *WAL) readCheckpoint() (types.LSN, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, checkpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return types.LSN{}, nil
	}
	if err != nil {
		return types.LSN{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var rec checkpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.LSN{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return rec.LSN, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}
