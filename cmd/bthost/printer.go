package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// printer writes user-facing event lines. Labels are colored when the
// output is a terminal.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	label *color.Color
	data  *color.Color
	warn  *color.Color
	fail  *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:   out,
		label: color.New(color.FgCyan, color.Bold),
		data:  color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed),
	}
}

func (p *printer) line(c *color.Color, label, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.Fprintf(p.out, "%-10s", label)
	fmt.Fprintf(p.out, " "+format+"\n", args...)
}

// Event prints a protocol event.
func (p *printer) Event(label, format string, args ...interface{}) {
	p.line(p.label, label, format, args...)
}

// Data prints payload received from a peer.
func (p *printer) Data(label string, data []byte) {
	p.line(p.data, label, "%q", data)
}

func (p *printer) Warn(label, format string, args ...interface{}) {
	p.line(p.warn, label, format, args...)
}

func (p *printer) Fail(label, format string, args ...interface{}) {
	p.line(p.fail, label, format, args...)
}
