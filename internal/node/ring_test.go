package node

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

func TestRing_RootAlone(t *testing.T) {
	root := startRoot(t, map[int]string{5: "five"})
	ctx := context.Background()

	res, err := root.Lookup(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeFound, res.Outcome)
	assert.Empty(t, res.Path)
	assert.Equal(t, 0, res.Node)
	assert.Equal(t, "Key: 5 Value: five\nTraversed: 0\nFinal response obtained: 0", res.Render())

	res, err = root.Insert(ctx, 1023, "top")
	require.NoError(t, err)
	assert.Equal(t, "Key: 1023 Value: top Insert\nTraversed: 0\nInserted at: 0", res.Render())

	res, err = root.Delete(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Key: 5 Value: five Successful Deletion\nTraversed: 0\nDeleted at: 0", res.Render())

	res, err = root.Lookup(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Key not found\nTraversed: 0\nFinal response obtained: 0", res.Render())
}

func TestRing_JoinSplitsRange(t *testing.T) {
	root := startRoot(t, map[int]string{3: "c", 5: "e", 8: "h", 900: "x"})

	n10, report := joinNode(t, root, 10, root)
	assert.Equal(t, ring.Range{Start: 1, End: 10}, report.Range)
	assert.Equal(t, 0, report.Predecessor)
	assert.Equal(t, 0, report.Successor)
	assert.Equal(t, []int{0}, report.Path)
	assert.Equal(t, ring.Range{Start: 11, End: 0}, *root.Status().Range)
	assert.Equal(t, []pkg.Entry{{Key: 900, Value: "x"}}, root.Keys())

	// [1,10] + 5 leaves [1,5] and [6,10]
	n5, report := joinNode(t, root, 5, root, n10)
	assert.Equal(t, ring.Range{Start: 1, End: 5}, report.Range)
	assert.Equal(t, 0, report.Predecessor)
	assert.Equal(t, 10, report.Successor)
	assert.Equal(t, []int{0, 10}, report.Path)
	assert.Equal(t, "Successful entry\nRange: [1, 5]\nPredecessor ID: 0\nSuccessor ID: 10\nTraversed: 0,10", report.Render())

	assert.Equal(t, ring.Range{Start: 6, End: 10}, *n10.Status().Range)
	assert.Equal(t, []pkg.Entry{{Key: 3, Value: "c"}, {Key: 5, Value: "e"}}, n5.Keys())
	assert.Equal(t, []pkg.Entry{{Key: 8, Value: "h"}}, n10.Keys())

	// ring order is 0 -> 5 -> 10 -> 0
	assert.Equal(t, n5.Self(), root.Status().Successor)
	assert.Equal(t, n10.Self(), n5.Status().Successor)
	assert.Equal(t, root.Self(), n10.Status().Successor)
	assert.Equal(t, n10.Self(), root.Status().Predecessor)
	assert.Equal(t, n5.Self(), n10.Status().Predecessor)
	assert.Equal(t, root.Self(), n5.Status().Predecessor)
}

func TestRing_RootAndNodeThree(t *testing.T) {
	root := startRoot(t, map[int]string{2: "b", 3: "c", 500: "mid"})
	n3, report := joinNode(t, root, 3, root)
	assert.Equal(t, ring.Range{Start: 1, End: 3}, report.Range)
	ctx := context.Background()

	res, err := root.Lookup(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeFound, res.Outcome)
	assert.Equal(t, []int{0}, res.Path)
	assert.Equal(t, 1, res.Hops())
	assert.Equal(t, 3, res.Node)
	assert.Equal(t, "Key: 3 Value: c\nTraversed: 0,3\nFinal response obtained: 3", res.Render())

	res, err = root.Lookup(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hops())
	assert.Equal(t, 0, res.Node)

	res, err = root.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Key not found\nTraversed: 0,3\nFailed at: 3", res.Render())

	assert.Equal(t, []pkg.Entry{{Key: 2, Value: "b"}, {Key: 3, Value: "c"}}, n3.Keys())
}

func TestRing_DashValueSurvivesRemoteOwner(t *testing.T) {
	root := startRoot(t, nil)
	n3, _ := joinNode(t, root, 3, root)
	ctx := context.Background()

	res, err := root.Insert(ctx, 2, "-")
	require.NoError(t, err)
	assert.Equal(t, "-", res.Value)
	assert.Equal(t, []pkg.Entry{{Key: 2, Value: "-"}}, n3.Keys())

	res, err = root.Lookup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeFound, res.Outcome)
	assert.Equal(t, "-", res.Value)
	assert.Equal(t, "Key: 2 Value: -\nTraversed: 0,3\nFinal response obtained: 3", res.Render())

	res, err = root.Delete(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "-", res.Value)
	assert.Empty(t, n3.Keys())
}

// fourRing builds 0 -> 100 -> 200 -> 300 -> 0.
func fourRing(t *testing.T) (root, n100, n200, n300 *Node) {
	t.Helper()
	root = startRoot(t, nil)
	n100, _ = joinNode(t, root, 100, root)
	n200, _ = joinNode(t, root, 200, root, n100)
	n300, _ = joinNode(t, root, 300, root, n100, n200)
	return root, n100, n200, n300
}

func TestRing_MultiHopRouting(t *testing.T) {
	root, n100, n200, n300 := fourRing(t)
	ctx := context.Background()

	assert.Equal(t, ring.Range{Start: 1, End: 100}, *n100.Status().Range)
	assert.Equal(t, ring.Range{Start: 101, End: 200}, *n200.Status().Range)
	assert.Equal(t, ring.Range{Start: 201, End: 300}, *n300.Status().Range)
	assert.Equal(t, ring.Range{Start: 301, End: 0}, *root.Status().Range)

	tests := []struct {
		key  int
		node int
		path []int
	}{
		{key: 0, node: 0, path: []int{}},
		{key: 700, node: 0, path: []int{}},
		{key: 1, node: 100, path: []int{0}},
		{key: 100, node: 100, path: []int{0}},
		{key: 150, node: 200, path: []int{0, 100}},
		{key: 250, node: 300, path: []int{0, 100, 200}},
		{key: 300, node: 300, path: []int{0, 100, 200}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("key %d", tt.key), func(t *testing.T) {
			value := fmt.Sprintf("v%d", tt.key)

			res, err := root.Insert(ctx, tt.key, value)
			require.NoError(t, err)
			assert.Equal(t, ring.OutcomeInserted, res.Outcome)
			assert.Equal(t, tt.node, res.Node)
			assert.Equal(t, tt.path, res.Path)
			assert.Equal(t, len(tt.path), res.Hops())

			res, err = root.Lookup(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, ring.OutcomeFound, res.Outcome)
			assert.Equal(t, value, res.Value)
			assert.Equal(t, tt.node, res.Node)
		})
	}

	res, err := root.Insert(ctx, 250, "again")
	require.NoError(t, err)
	assert.Equal(t, "Key: 250 Value: again Insert\nTraversed: 0,100,200,300\nInserted at: 300", res.Render())
}

func TestRing_EveryKeyLandsOnItsOwner(t *testing.T) {
	root, n100, n200, n300 := fourRing(t)
	nodes := []*Node{root, n100, n200, n300}
	ctx := context.Background()

	for key := 0; key < keyspace.Size; key += 31 {
		_, err := root.Insert(ctx, key, fmt.Sprintf("k%d", key))
		require.NoError(t, err)
	}

	total := 0
	for _, n := range nodes {
		snap := n.Status()
		for _, e := range n.Keys() {
			assert.True(t, snap.Range.Contains(e.Key), "node %d holds key %d outside %s", n.ID(), e.Key, snap.Range)
		}
		total += len(n.Keys())
	}
	assert.Equal(t, (keyspace.Size+30)/31, total)

	for key := 0; key < keyspace.Size; key += 31 {
		res, err := root.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("k%d", key), res.Value)
	}
}

func TestRing_DeleteIsIdempotent(t *testing.T) {
	root, _, n200, _ := fourRing(t)
	ctx := context.Background()

	_, err := root.Insert(ctx, 150, "v")
	require.NoError(t, err)

	res, err := root.Delete(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeDeleted, res.Outcome)
	assert.Equal(t, "Key: 150 Value: v Successful Deletion\nTraversed: 0,100,200\nDeleted at: 200", res.Render())

	res, err = root.Delete(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeNotFound, res.Outcome)
	assert.Equal(t, "Key not found\nTraversed: 0,100,200\nFailed at: 200", res.Render())
	assert.Empty(t, n200.Keys())
}

func TestRing_Departure(t *testing.T) {
	root, n100, n200, n300 := fourRing(t)
	ctx := context.Background()

	for _, key := range []int{50, 99, 150} {
		_, err := root.Insert(ctx, key, "v")
		require.NoError(t, err)
	}

	report, err := n100.Exit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, report.Successor)
	assert.Equal(t, ring.Range{Start: 1, End: 100}, report.Handed)
	assert.Equal(t, 2, report.Keys)
	assert.Equal(t, ring.Terminated, n100.State())
	assert.True(t, n100.IsShutdown())

	assert.True(t, partitioned(root, n200, n300))
	assert.Equal(t, ring.Range{Start: 1, End: 200}, *n200.Status().Range)
	assert.Len(t, n200.Keys(), 3)
	assert.Equal(t, n200.Self(), root.Status().Successor)
	assert.Equal(t, root.Self(), n200.Status().Predecessor)

	res, err := root.Lookup(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeFound, res.Outcome)
	assert.Equal(t, []int{0}, res.Path)
	assert.Equal(t, 200, res.Node)

	// the identifier is free again
	again, report2 := joinNode(t, root, 100, root, n200, n300)
	assert.Equal(t, ring.Range{Start: 1, End: 100}, report2.Range)
	assert.Len(t, again.Keys(), 2)
}

func TestRing_RingOfTwo(t *testing.T) {
	root := startRoot(t, map[int]string{2: "b", 900: "x"})
	n3, _ := joinNode(t, root, 3, root)
	ctx := context.Background()

	assert.Equal(t, n3.Self(), root.Status().Successor)
	assert.Equal(t, n3.Self(), root.Status().Predecessor)
	assert.Equal(t, root.Self(), n3.Status().Successor)
	assert.Equal(t, root.Self(), n3.Status().Predecessor)

	report, err := n3.Exit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Successor)
	assert.Equal(t, ring.Range{Start: 1, End: 3}, report.Handed)

	snap := root.Status()
	assert.Equal(t, ring.FullRange(), *snap.Range)
	assert.Equal(t, root.Self(), snap.Successor)
	assert.Equal(t, root.Self(), snap.Predecessor)

	res, err := root.Lookup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ring.OutcomeFound, res.Outcome)
	assert.Empty(t, res.Path)
	assert.Equal(t, 0, res.Node)
}

func TestRing_JoinRefusals(t *testing.T) {
	root := startRoot(t, nil)
	n100, _ := joinNode(t, root, 100, root)
	ctx := context.Background()

	dup := startNode(t, root, 100)
	_, err := dup.Enter(ctx)
	assert.ErrorIs(t, err, ErrJoinRefused)
	assert.Equal(t, ring.Uninitialized, dup.State())

	_, err = n100.Enter(ctx)
	assert.Error(t, err, "an active node cannot enter twice")

	loner := startNode(t, root, 50)
	_, err = loner.Exit(ctx)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRing_ConcurrentOperations(t *testing.T) {
	root, n100, n200, n300 := fourRing(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				key := (w*97 + i*41) % keyspace.Size
				if _, err := root.Insert(ctx, key, "v"); !assert.NoError(t, err) {
					return
				}
				res, err := root.Lookup(ctx, key)
				if assert.NoError(t, err) {
					assert.Equal(t, ring.OutcomeFound, res.Outcome)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.True(t, partitioned(root, n100, n200, n300))
	assert.Zero(t, root.pending.len())
}
