package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zde37/ringkv/internal/node"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	goleak.VerifyTestMain(m)
}

type fakeNode struct {
	mu    sync.Mutex
	id    int
	calls []string

	snapshot ring.Snapshot
	entries  []pkg.Entry
	result   ring.Result
	opErr    error
	enterErr error
	exitErr  error
	exitDone bool
}

func (f *fakeNode) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeNode) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeNode) ID() int { return f.id }

func (f *fakeNode) IsRoot() bool { return f.id == 0 }

func (f *fakeNode) Status() ring.Snapshot {
	f.record("status")
	return f.snapshot
}

func (f *fakeNode) Keys() []pkg.Entry {
	f.record("keys")
	return f.entries
}

func (f *fakeNode) Lookup(_ context.Context, key int) (ring.Result, error) {
	f.record("lookup")
	res := f.result
	res.Key = key
	return res, f.opErr
}

func (f *fakeNode) Insert(_ context.Context, key int, value string) (ring.Result, error) {
	f.record("insert " + value)
	res := f.result
	res.Key, res.Value = key, value
	return res, f.opErr
}

func (f *fakeNode) Delete(_ context.Context, key int) (ring.Result, error) {
	f.record("delete")
	res := f.result
	res.Key = key
	return res, f.opErr
}

func (f *fakeNode) Enter(context.Context) (*node.JoinReport, error) {
	f.record("enter")
	if f.enterErr != nil {
		return nil, f.enterErr
	}
	return &node.JoinReport{
		Range:       ring.Range{Start: 1, End: 5},
		Predecessor: 0,
		Successor:   0,
		Path:        []int{0},
	}, nil
}

func (f *fakeNode) Exit(context.Context) (*node.DepartureReport, error) {
	f.record("exit")
	if !f.exitDone {
		return nil, f.exitErr
	}
	return &node.DepartureReport{Successor: 0, Handed: ring.Range{Start: 1, End: 5}}, f.exitErr
}

func newTestConsole(t *testing.T, n Node, input string) (*Console, *bytes.Buffer) {
	t.Helper()
	lc := pkg.DefaultConfig()
	lc.Level = "error"
	logger, err := pkg.New(lc)
	require.NoError(t, err)

	var out bytes.Buffer
	c, err := New(n, strings.NewReader(input), NewPrinter(&out), logger)
	require.NoError(t, err)
	return c, &out
}

func TestNew(t *testing.T) {
	logger, err := pkg.New(pkg.DefaultConfig())
	require.NoError(t, err)
	printer := NewPrinter(io.Discard)
	in := strings.NewReader("")

	tests := []struct {
		name    string
		node    Node
		in      io.Reader
		printer *Printer
		logger  *pkg.Logger
		wantErr string
	}{
		{name: "valid", node: &fakeNode{}, in: in, printer: printer, logger: logger},
		{name: "nil node", in: in, printer: printer, logger: logger, wantErr: "node cannot be nil"},
		{name: "nil input", node: &fakeNode{}, printer: printer, logger: logger, wantErr: "input cannot be nil"},
		{name: "nil printer", node: &fakeNode{}, in: in, logger: logger, wantErr: "printer cannot be nil"},
		{name: "nil logger", node: &fakeNode{}, in: in, printer: printer, wantErr: "logger cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.node, tt.in, tt.printer, tt.logger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestConsole_RootCommands(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		result    ring.Result
		opErr     error
		wantCall  string
		wantLines []string
	}{
		{
			name:      "lookup found",
			line:      "lookup 5",
			result:    ring.Result{Op: ring.OpLookup, Outcome: ring.OutcomeFound, Value: "five", Path: []int{0}, Node: 10},
			wantCall:  "lookup",
			wantLines: []string{"Key: 5 Value: five", "Traversed: 0,10", "Final response obtained: 10"},
		},
		{
			name:      "lookup miss",
			line:      "LOOKUP 7",
			result:    ring.Result{Op: ring.OpLookup, Outcome: ring.OutcomeNotFound, Path: []int{}, Node: 0},
			wantCall:  "lookup",
			wantLines: []string{"Key not found", "Traversed: 0"},
		},
		{
			name:      "insert",
			line:      "insert 3 three",
			result:    ring.Result{Op: ring.OpInsert, Outcome: ring.OutcomeInserted, Path: []int{}, Node: 0},
			wantCall:  "insert three",
			wantLines: []string{"Key: 3 Value: three Insert", "Inserted at: 0"},
		},
		{
			name:      "delete",
			line:      "delete 9",
			result:    ring.Result{Op: ring.OpDelete, Outcome: ring.OutcomeDeleted, Value: "nine", Path: []int{0}, Node: 20},
			wantCall:  "delete",
			wantLines: []string{"Key: 9 Value: nine Successful Deletion", "Deleted at: 20"},
		},
		{
			name:      "request error",
			line:      "lookup 1",
			opErr:     errors.New("timed out"),
			wantCall:  "lookup",
			wantLines: []string{"Error: timed out"},
		},
		{
			name:      "key not a number",
			line:      "lookup abc",
			wantLines: []string{"Error: key outside identifier space"},
		},
		{
			name:      "key off the ring",
			line:      "delete 1024",
			wantLines: []string{"Error: key outside identifier space"},
		},
		{
			name:      "value with whitespace",
			line:      "insert 3 two words",
			wantLines: []string{"Error: value must be a non-empty token without whitespace"},
		},
		{
			name:      "non-root command",
			line:      "enter",
			wantLines: []string{`Error: unknown command "enter"`, "lookup <key>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNode{id: 0, result: tt.result, opErr: tt.opErr}
			c, out := newTestConsole(t, n, "")

			assert.False(t, c.Execute(context.Background(), tt.line))
			for _, want := range tt.wantLines {
				assert.Contains(t, out.String(), want)
			}
			if tt.wantCall != "" {
				assert.Equal(t, []string{tt.wantCall}, n.callLog())
			} else {
				assert.Empty(t, n.callLog())
			}
		})
	}
}

func TestConsole_MemberCommands(t *testing.T) {
	t.Run("enter", func(t *testing.T) {
		n := &fakeNode{id: 5}
		c, out := newTestConsole(t, n, "")

		assert.False(t, c.Execute(context.Background(), "enter"))
		assert.Contains(t, out.String(), "Successful entry\nRange: [1, 5]\nPredecessor ID: 0\nSuccessor ID: 0\nTraversed: 0")
	})

	t.Run("enter refused", func(t *testing.T) {
		n := &fakeNode{id: 5, enterErr: node.ErrJoinRefused}
		c, out := newTestConsole(t, n, "")

		assert.False(t, c.Execute(context.Background(), "enter"))
		assert.Contains(t, out.String(), "Error: "+node.ErrJoinRefused.Error())
	})

	t.Run("exit stops the console", func(t *testing.T) {
		n := &fakeNode{id: 5, exitDone: true}
		c, out := newTestConsole(t, n, "")

		assert.True(t, c.Execute(context.Background(), "exit"))
		assert.Contains(t, out.String(), "Successful exit\nID of successor: 0\nRange of keys handed over: [1, 5]")
	})

	t.Run("exit with relink failure still stops", func(t *testing.T) {
		n := &fakeNode{id: 5, exitDone: true, exitErr: errors.New("relink failed")}
		c, out := newTestConsole(t, n, "")

		assert.True(t, c.Execute(context.Background(), "exit"))
		assert.Contains(t, out.String(), "Successful exit")
		assert.Contains(t, out.String(), "Error: relink failed")
	})

	t.Run("failed exit keeps the console", func(t *testing.T) {
		n := &fakeNode{id: 5, exitErr: node.ErrNotActive}
		c, out := newTestConsole(t, n, "")

		assert.False(t, c.Execute(context.Background(), "exit"))
		assert.Contains(t, out.String(), "Error: "+node.ErrNotActive.Error())
	})

	t.Run("root command", func(t *testing.T) {
		n := &fakeNode{id: 5}
		c, out := newTestConsole(t, n, "")

		assert.False(t, c.Execute(context.Background(), "lookup 3"))
		assert.Contains(t, out.String(), `unknown command "lookup 3"`)
		assert.Contains(t, out.String(), "enter")
		assert.Empty(t, n.callLog())
	})
}

func TestConsole_Tables(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		n := &fakeNode{id: 5, snapshot: ring.Snapshot{
			ID:          5,
			State:       "Joining",
			Address:     "127.0.0.1:7005",
			Predecessor: ring.NewPeer("127.0.0.1", 7000),
		}}
		c, out := newTestConsole(t, n, "")

		c.Execute(context.Background(), "status")
		text := out.String()
		assert.Contains(t, text, "Predecessor")
		assert.Contains(t, text, "127.0.0.1:7000")
		assert.Contains(t, text, "Joining")
		assert.Regexp(t, `RANGE\s+\|\s+-`, strings.ToUpper(text))
	})

	t.Run("keys", func(t *testing.T) {
		n := &fakeNode{id: 0, entries: []pkg.Entry{{Key: 1, Value: "one"}, {Key: 2, Value: "two"}}}
		c, out := newTestConsole(t, n, "")

		c.Execute(context.Background(), "keys")
		assert.Contains(t, out.String(), "one")
		assert.Contains(t, out.String(), "two")
		assert.Contains(t, out.String(), "TOTAL")
	})

	t.Run("no keys", func(t *testing.T) {
		c, out := newTestConsole(t, &fakeNode{id: 0}, "")

		c.Execute(context.Background(), "keys")
		assert.Equal(t, "No keys stored\n", out.String())
	})
}

func TestConsole_Run(t *testing.T) {
	t.Run("root ends on EOF", func(t *testing.T) {
		n := &fakeNode{id: 0, result: ring.Result{Outcome: ring.OutcomeNotFound}}
		c, out := newTestConsole(t, n, "lookup 1\n\n   \nbogus\nlookup 2\n")

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, []string{"lookup", "lookup"}, n.callLog())
		assert.Contains(t, out.String(), `unknown command "bogus"`)
	})

	t.Run("member ends after exit", func(t *testing.T) {
		n := &fakeNode{id: 5, exitDone: true}
		c, _ := newTestConsole(t, n, "enter\nexit\nstatus\nkeys\n")

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, []string{"enter", "exit"}, n.callLog())
	})

	t.Run("context cancelled", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer pw.Close()

		lc := pkg.DefaultConfig()
		lc.Level = "error"
		logger, err := pkg.New(lc)
		require.NoError(t, err)

		c, err := New(&fakeNode{id: 0}, pr, NewPrinter(io.Discard), logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("console did not stop after cancel")
		}
	})
}
