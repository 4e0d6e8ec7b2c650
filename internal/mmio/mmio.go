// Package mmio routes emulated guest physical accesses to their handlers.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/hv"
	"github.com/tinyrange/hyptrap/internal/regs"
)

var ErrSealed = errors.New("mmio: registry sealed")

// Request is one decoded guest access.
type Request struct {
	GPA   uint64
	GVA   uint64
	Abort esr.DataAbort
	Regs  *regs.UserRegs
}

// Register returns the storage of the transfer register.
func (r *Request) Register() *uint64 { return r.Regs.Select(int(r.Abort.Reg)) }

// Handler emulates a range of guest physical addresses. Read and Write
// return false to decline the access, which is fatal for the guest.
type Handler interface {
	Contains(gpa uint64) bool
	Read(req *Request) bool
	Write(req *Request) bool
}

// Funcs adapts plain functions into a Handler.
type Funcs struct {
	ContainsFunc func(gpa uint64) bool
	ReadFunc     func(req *Request) bool
	WriteFunc    func(req *Request) bool
}

func (f Funcs) Contains(gpa uint64) bool { return f.ContainsFunc != nil && f.ContainsFunc(gpa) }
func (f Funcs) Read(req *Request) bool   { return f.ReadFunc != nil && f.ReadFunc(req) }
func (f Funcs) Write(req *Request) bool  { return f.WriteFunc != nil && f.WriteFunc(req) }

// Registry holds the handlers of one domain. Handlers are registered while
// the guest layout is built; once sealed the set never changes.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	sealed   bool
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Find returns the first handler claiming gpa.
func (r *Registry) Find(gpa uint64) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Contains(gpa) {
			return h
		}
	}
	return nil
}

// Dispatch runs the access through the handler claiming req.GPA. It
// returns false if no handler claims the address or the handler declines.
func (r *Registry) Dispatch(req *Request) bool {
	h := r.Find(req.GPA)
	if h == nil {
		return false
	}
	if req.Abort.Write {
		return h.Write(req)
	}
	return h.Read(req)
}

// device drives a byte-oriented MMIO device from decoded register accesses.
type device struct {
	dev hv.MemoryMappedIODevice
}

// FromDevice wraps dev as a Handler.
func FromDevice(dev hv.MemoryMappedIODevice) Handler { return device{dev: dev} }

func (d device) Contains(gpa uint64) bool {
	for _, r := range d.dev.MMIORegions() {
		if r.Contains(gpa) {
			return true
		}
	}
	return false
}

func (d device) Read(req *Request) bool {
	var buf [8]byte
	n := req.Abort.AccessBytes()
	if err := d.dev.ReadMMIO(req.GPA, buf[:n]); err != nil {
		slog.Warn("mmio read failed", "gpa", fmt.Sprintf("%#x", req.GPA), "size", n, "err", err)
		return false
	}
	v := binary.LittleEndian.Uint64(buf[:])
	if req.Abort.Sign && n < 8 {
		shift := uint(64 - 8*n)
		v = uint64(int64(v<<shift) >> shift)
	}
	req.Regs.Set(int(req.Abort.Reg), v)
	return true
}

func (d device) Write(req *Request) bool {
	var buf [8]byte
	n := req.Abort.AccessBytes()
	binary.LittleEndian.PutUint64(buf[:], *req.Register())
	if err := d.dev.WriteMMIO(req.GPA, buf[:n]); err != nil {
		slog.Warn("mmio write failed", "gpa", fmt.Sprintf("%#x", req.GPA), "size", n, "err", err)
		return false
	}
	return true
}
