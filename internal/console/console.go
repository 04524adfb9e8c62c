// Package console implements the line-oriented operator interface of a node.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/zde37/ringkv/internal/node"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// Node is the part of a ring node the console drives.
type Node interface {
	ID() int
	IsRoot() bool
	Status() ring.Snapshot
	Keys() []pkg.Entry
	Lookup(ctx context.Context, key int) (ring.Result, error)
	Insert(ctx context.Context, key int, value string) (ring.Result, error)
	Delete(ctx context.Context, key int) (ring.Result, error)
	Enter(ctx context.Context) (*node.JoinReport, error)
	Exit(ctx context.Context) (*node.DepartureReport, error)
}

var _ Node = (*node.Node)(nil)

// Console reads commands and prints their outcome.
type Console struct {
	node    Node
	in      io.Reader
	printer *Printer
	logger  *pkg.Logger
}

// New creates a console for n reading from in.
func New(n Node, in io.Reader, printer *Printer, logger *pkg.Logger) (*Console, error) {
	if n == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if in == nil {
		return nil, fmt.Errorf("input cannot be nil")
	}
	if printer == nil {
		return nil, fmt.Errorf("printer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Console{
		node:    n,
		in:      in,
		printer: printer,
		logger:  logger,
	}, nil
}

// Run processes commands until the input ends, ctx is cancelled, or a
// non-root node has left the ring.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.logger.Debug().Msg("Console input closed")
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if c.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs a single command line. It returns true once the console
// should stop.
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	root := c.node.IsRoot()

	switch {
	case cmd == "status" && len(args) == 0:
		c.printer.Status(c.node.Status())
	case cmd == "keys" && len(args) == 0:
		c.printer.Keys(c.node.Keys())
	case cmd == "help":
		c.printer.Usage(root)
	case root && cmd == "lookup" && len(args) == 1:
		c.keyCommand(ctx, args[0], c.node.Lookup)
	case root && cmd == "delete" && len(args) == 1:
		c.keyCommand(ctx, args[0], c.node.Delete)
	case root && cmd == "insert" && len(args) == 2:
		value := args[1]
		c.keyCommand(ctx, args[0], func(ctx context.Context, key int) (ring.Result, error) {
			return c.node.Insert(ctx, key, value)
		})
	case root && cmd == "insert" && len(args) > 2:
		c.printer.Error(pkg.ErrInvalidValue)
	case !root && cmd == "enter" && len(args) == 0:
		c.enter(ctx)
	case !root && cmd == "exit" && len(args) == 0:
		return c.exit(ctx)
	default:
		c.printer.Error(fmt.Errorf("unknown command %q", line))
		c.printer.Usage(root)
	}
	return false
}

func (c *Console) keyCommand(ctx context.Context, arg string, op func(context.Context, int) (ring.Result, error)) {
	key, err := keyspace.ParseID(arg)
	if err != nil {
		c.printer.Error(fmt.Errorf("%w: %v", pkg.ErrKeyOutOfRange, err))
		return
	}

	res, err := op(ctx, key)
	if err != nil {
		c.logger.Debug().Err(err).Int("key", key).Msg("Console request failed")
		c.printer.Error(err)
		return
	}
	c.printer.Result(res)
}

func (c *Console) enter(ctx context.Context) {
	report, err := c.node.Enter(ctx)
	if err != nil {
		c.printer.Error(err)
		return
	}
	c.printer.Joined(report)
}

func (c *Console) exit(ctx context.Context) bool {
	report, err := c.node.Exit(ctx)
	if report == nil {
		c.printer.Error(err)
		return false
	}

	c.printer.Departed(report)
	if err != nil {
		c.printer.Error(err)
	}
	return true
}
