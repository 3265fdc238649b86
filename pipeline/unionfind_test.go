package pipeline

import (
	"testing"
)

func TestUnionFindSmallestIDRepresentative(t *testing.T) {

	uf := newUnionFind()

	uf.union(5, 3)
	uf.union(3, 9)

	for _, id := range []int{3, 5, 9} {
		if root := uf.find(id); root != 3 {
			t.Errorf("find(%d) = %d, want 3", id, root)
		}
	}

	uf.union(9, 1)

	for _, id := range []int{1, 3, 5, 9} {
		if root := uf.find(id); root != 1 {
			t.Errorf("after merging 1: find(%d) = %d, want 1", id, root)
		}
	}
}

func TestUnionFindSingleton(t *testing.T) {

	uf := newUnionFind()

	if root := uf.find(42); root != 42 {
		t.Errorf("singleton root = %d", root)
	}

	// self-union is a no-op
	uf.union(42, 42)

	if root := uf.find(42); root != 42 {
		t.Errorf("root after self-union = %d", root)
	}
}

func TestUnionFindDisjointSets(t *testing.T) {

	uf := newUnionFind()

	uf.union(1, 2)
	uf.union(10, 20)

	if uf.find(1) == uf.find(10) {
		t.Error("disjoint sets share a representative")
	}
}
