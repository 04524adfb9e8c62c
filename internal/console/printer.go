package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/zde37/ringkv/internal/node"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

// Printer writes operator output. It is safe for concurrent use so late
// results from the node can interleave with command output.
type Printer struct {
	mu   sync.Mutex
	out  io.Writer
	ok   *color.Color
	warn *color.Color
	fail *color.Color
}

// NewPrinter returns a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{
		out:  out,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed),
	}
}

// Result prints a routed result. Misses are highlighted as warnings.
func (p *Printer) Result(res ring.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res.Outcome == ring.OutcomeNotFound || res.Outcome == ring.OutcomeUnowned {
		p.warn.Fprintln(p.out, res.Render())
		return
	}
	p.ok.Fprintln(p.out, res.Render())
}

// Joined prints the outcome of a successful enter.
func (p *Printer) Joined(r *node.JoinReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ok.Fprintln(p.out, r.Render())
}

// Departed prints the outcome of an exit.
func (p *Printer) Departed(r *node.DepartureReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ok.Fprintln(p.out, r.Render())
}

// Error prints err in red.
func (p *Printer) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail.Fprintf(p.out, "Error: %v\n", err)
}

// Status renders the node snapshot as a table.
func (p *Printer) Status(snap ring.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rng := "-"
	if snap.Range != nil {
		rng = snap.Range.String()
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"ID", snap.ID},
		{"State", snap.State},
		{"Address", snap.Address},
		{"Range", rng},
		{"Predecessor", peerString(snap.Predecessor)},
		{"Successor", peerString(snap.Successor)},
		{"Keys", snap.Keys},
	})
	t.SetStyle(table.StyleDefault)
	t.Style().Options.SeparateRows = true
	t.Render()
}

// Keys renders stored entries as a table.
func (p *Printer) Keys(entries []pkg.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(entries) == 0 {
		fmt.Fprintln(p.out, "No keys stored")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.AppendHeader(table.Row{"Key", "Value"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.Key, e.Value})
	}
	t.AppendFooter(table.Row{"Total", len(entries)})
	t.SetStyle(table.StyleDefault)
	t.Render()
}

// Usage lists the commands available to a node in the given role.
func (p *Printer) Usage(root bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, "Commands:")
	if root {
		fmt.Fprintln(p.out, "  lookup <key>           find the value stored under key")
		fmt.Fprintln(p.out, "  insert <key> <value>   store value under key")
		fmt.Fprintln(p.out, "  delete <key>           remove key")
	} else {
		fmt.Fprintln(p.out, "  enter                  join the ring through the root")
		fmt.Fprintln(p.out, "  exit                   hand over keys and leave the ring")
	}
	fmt.Fprintln(p.out, "  status                 show this node's position")
	fmt.Fprintln(p.out, "  keys                   list keys stored on this node")
	fmt.Fprintln(p.out, "  help                   show this message")
}

func peerString(p ring.Peer) string {
	if p.IsZero() {
		return "-"
	}
	return p.Address()
}
