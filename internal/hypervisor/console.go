package hypervisor

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/x/ansi"
	"gvisor.dev/gvisor/pkg/sync"
)

// maxLine bounds a buffered console line so a guest cannot grow it
// without limit.
const maxLine = 1024

// console collects guest console output into lines. Escape sequences are
// stripped before a line reaches the log or the host terminal.
type console struct {
	domain int
	out    io.Writer

	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func newConsole(domain int, out io.Writer) *console {
	return &console{domain: domain, out: out}
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range p {
		if b == '\n' || c.buf.Len() >= maxLine {
			c.flushLocked()
			if b == '\n' {
				continue
			}
		}
		if b != '\r' {
			c.buf.WriteByte(b)
		}
	}
	return len(p), nil
}

func (c *console) flushLocked() {
	line := ansi.Strip(c.buf.String())
	c.buf.Reset()
	c.lines = append(c.lines, line)
	slog.Info("guest console", "domain", c.domain, "line", line)
	if c.out != nil {
		fmt.Fprintf(c.out, "(d%d) %s\n", c.domain, line)
	}
}

// Flush emits a partial line.
func (c *console) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() > 0 {
		c.flushLocked()
	}
}

// Lines returns every completed line so far.
func (c *console) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}
