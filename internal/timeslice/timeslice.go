// Package timeslice records how long each kind of trap took to handle.
//
// A Recorder keeps per-kind counters in memory and, when opened over a
// writer, streams every sample to it in a compact binary format that
// ReadAllRecords can replay.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54524150 // "TRAP"
	Version uint32 = 1

	align = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint32

const InvalidKind = KindID(0)

type record struct {
	ID       uint32
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type kind struct {
	name  string
	count atomic.Uint64
	total atomic.Int64
	max   atomic.Int64
}

func (k *kind) add(d time.Duration) {
	k.count.Add(1)
	k.total.Add(int64(d))
	for {
		cur := k.max.Load()
		if int64(d) <= cur || k.max.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// Recorder aggregates samples. It is safe for concurrent use once every
// kind has been registered.
type Recorder struct {
	mu    sync.Mutex
	kinds []*kind
	names map[string]KindID

	out atomic.Pointer[writer]
}

func NewRecorder() *Recorder {
	return &Recorder{names: make(map[string]KindID)}
}

// RegisterKind returns the id for name, creating it if needed. Kinds must
// be registered before Open.
func (r *Recorder) RegisterKind(name string) KindID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.names[name]; ok {
		return id
	}
	r.kinds = append(r.kinds, &kind{name: name})
	id := KindID(len(r.kinds))
	r.names[name] = id
	return id
}

func (r *Recorder) kind(id KindID) *kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == InvalidKind || int(id) > len(r.kinds) {
		return nil
	}
	return r.kinds[id-1]
}

// Record adds one sample. A nil recorder discards it.
func (r *Recorder) Record(id KindID, d time.Duration) {
	if r == nil {
		return
	}
	k := r.kind(id)
	if k == nil {
		return
	}
	k.add(d)
	if w := r.out.Load(); w != nil {
		w.ch <- record{ID: uint32(id), Duration: d.Nanoseconds()}
	}
}

// Stat is the aggregate of one kind.
type Stat struct {
	Name  string
	Count uint64
	Total time.Duration
	Max   time.Duration
}

func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summary returns the kinds that saw at least one sample, busiest first.
func (r *Recorder) Summary() []Stat {
	r.mu.Lock()
	kinds := append([]*kind(nil), r.kinds...)
	r.mu.Unlock()

	var out []Stat
	for _, k := range kinds {
		n := k.count.Load()
		if n == 0 {
			continue
		}
		out = append(out, Stat{
			Name:  k.name,
			Count: n,
			Total: time.Duration(k.total.Load()),
			Max:   time.Duration(k.max.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type writer struct {
	rec  *Recorder
	w    io.Writer
	ch   chan record
	done chan error
}

func (w *writer) run() {
	defer close(w.done)

	var buf [align]byte
	off := 0
	for rec := range w.ch {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// Keep draining so Record never blocks.
				for range w.ch {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], rec.ID)
		binary.LittleEndian.PutUint32(buf[off+4:], 0)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

func (w *writer) Close() error {
	if !w.rec.out.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.ch)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

// Open starts streaming samples to w until the returned closer is closed.
func (r *Recorder) Open(w io.Writer) (io.Closer, error) {
	if r.out.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	r.mu.Lock()
	names := make(map[KindID]string, len(r.kinds))
	for i, k := range r.kinds {
		names[KindID(i+1)] = k.name
	}
	r.mu.Unlock()

	kinds, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(kinds)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(kinds); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	// Records start on an aligned offset.
	if off := binary.Size(header{}) + len(kinds); off%align != 0 {
		if _, err := w.Write(make([]byte, align-off%align)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{rec: r, w: w, ch: make(chan record, 4096), done: make(chan error, 1)}
	if !r.out.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

// ReadAllRecords replays a stream written by Open.
func ReadAllRecords(r io.Reader, fn func(kind string, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, align)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var names map[KindID]string
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength))).Decode(&names); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if off := binary.Size(h) + int(h.KindsLength); off%align != 0 {
		if _, err := buf.Discard(align - off%align); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	var raw [16]byte
	for {
		if _, err := io.ReadFull(buf, raw[:recordSize]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		id := KindID(binary.LittleEndian.Uint32(raw[0:]))
		name, ok := names[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		d := time.Duration(binary.LittleEndian.Uint64(raw[8:]))
		if err := fn(name, d); err != nil {
			return err
		}
	}
}
