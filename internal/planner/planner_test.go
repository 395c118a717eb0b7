package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/sophia/internal/node"
	"github.com/jpl-au/sophia/internal/record"
)

func newNodeWithBytes(t *testing.T, id uint32, n int) *node.Node {
	t.Helper()
	nd := node.New("/tmp", id, 0, nil, nil)
	value := make([]byte, n)
	nd.Active().Upsert([]byte("k"), record.New(record.FormatKV, [][]byte{[]byte("k")}, value, 1, 0))
	return nd
}

func TestUpdateThenPickBranchAboveWatermark(t *testing.T) {
	p := New()
	small := newNodeWithBytes(t, 1, 10)
	big := newNodeWithBytes(t, 2, 2<<20)
	p.Update(small)
	p.Update(big)

	code, n := p.Plan(Request{Kind: Branch, WM: 1 << 20})
	require.Equal(t, Selected, code)
	require.Equal(t, uint32(2), n.ID)
	require.True(t, n.Lock)
}

func TestPickBranchBelowWatermarkReturnsNothing(t *testing.T) {
	p := New()
	small := newNodeWithBytes(t, 1, 10)
	p.Update(small)

	code, n := p.Plan(Request{Kind: Branch, WM: 1 << 20})
	require.Equal(t, Nothing, code)
	require.Nil(t, n)
}

func TestPickBranchSkipsLockedTopInProgress(t *testing.T) {
	p := New()
	big := newNodeWithBytes(t, 1, 2<<20)
	p.Update(big)
	big.Lock = true

	code, n := p.Plan(Request{Kind: Branch, WM: 1 << 20})
	require.Equal(t, InProgress, code)
	require.Nil(t, n)
}

func TestRemoveDropsFromBothQueues(t *testing.T) {
	p := New()
	n := newNodeWithBytes(t, 1, 2<<20)
	p.Update(n)
	p.Remove(n)

	code, got := p.Plan(Request{Kind: Branch, WM: 0})
	require.Equal(t, Nothing, code)
	require.Nil(t, got)
}

func TestPickAgeSelectsFirstUnlockedNodeAboveWatermark(t *testing.T) {
	p := New()
	n1 := newNodeWithBytes(t, 1, 10)
	n2 := newNodeWithBytes(t, 2, 2<<20)
	p.Update(n1)
	p.Update(n2)

	code, n := p.Plan(Request{Kind: Age, TTL: 0, WM: 1 << 20})
	require.Equal(t, Selected, code)
	require.Equal(t, uint32(2), n.ID)
}

func TestBucketClampsToTopBucket(t *testing.T) {
	require.Equal(t, branchBucketCount-1, bucket(int64(branchBucketCount)*branchBucketSize*10, branchBucketSize, branchBucketCount))
	require.Equal(t, 0, bucket(-5, branchBucketSize, branchBucketCount))
}
