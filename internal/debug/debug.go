// Package debug keeps a binary log of hypervisor diagnostics so crash
// dumps can be inspected after a run.
//
// Each record is laid out as
//
//   - 2 bytes kind (0 = invalid, 1 = dump, 2 = console)
//   - 2 bytes source length
//   - 4 bytes text length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - text bytes
//
// Writers reserve their slot by atomically advancing the file offset, so
// records from different CPUs never interleave.
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindDump
	KindConsole
)

func (k Kind) String() string {
	switch k {
	case KindDump:
		return "dump"
	case KindConsole:
		return "console"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

const headerSize = 16

var ErrCorrupt = errors.New("debug: corrupt log")

// Writer is the storage a Log appends to.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log appends records to a Writer. A nil *Log discards everything.
type Log struct {
	w   Writer
	off atomic.Int64
	now func() time.Time
}

// Create truncates filename and opens a log on it.
func Create(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debug: %w", err)
	}
	return New(f), nil
}

func New(w Writer) *Log { return &Log{w: w, now: time.Now} }

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

// Write appends one record. A failed write loses the record; the log is
// best effort and must never stop the hypervisor.
func (l *Log) Write(kind Kind, source, text string) {
	if l == nil {
		return
	}
	size := int64(headerSize + len(source) + len(text))
	off := l.off.Add(size) - size

	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(text)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(l.now().UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], text)
	l.w.WriteAt(rec, off)
}

// RecordDump has the signature of a diagnostics recorder.
func (l *Log) RecordDump(source, text string) { l.Write(KindDump, source, text) }

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Text   string
}

// Filter selects entries in Read. Zero fields match everything.
type Filter struct {
	Sources []string
	Kinds   []Kind
	Start   time.Time
	End     time.Time
	// Last keeps only the final N matching entries.
	Last int
}

func (f *Filter) match(e *Entry) bool {
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, e.Source) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if !f.Start.IsZero() && e.Time.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Time.After(f.End) {
		return false
	}
	return true
}

// Read decodes every record of r that matches f, ordered by timestamp.
func Read(r io.Reader, f Filter) ([]Entry, error) {
	br := bufio.NewReader(r)
	var out []Entry
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			return nil, fmt.Errorf("%w: invalid record kind", ErrCorrupt)
		}
		body := make([]byte, int(binary.LittleEndian.Uint16(hdr[2:4]))+int(binary.LittleEndian.Uint32(hdr[4:8])))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("%w: body: %w", ErrCorrupt, err)
		}
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		e := Entry{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[8:16]))),
			Kind:   kind,
			Source: string(body[:srcLen]),
			Text:   string(body[srcLen:]),
		}
		if f.match(&e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.Time.Compare(b.Time) })
	if f.Last > 0 && len(out) > f.Last {
		out = out[len(out)-f.Last:]
	}
	return out, nil
}

// ReadFile is Read on a named file.
func ReadFile(filename string, f Filter) ([]Entry, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: %w", err)
	}
	defer fh.Close()
	return Read(fh, f)
}

// Sources lists the distinct sources of entries in first-seen order.
func Sources(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		if !slices.Contains(out, e.Source) {
			out = append(out, e.Source)
		}
	}
	return out
}
