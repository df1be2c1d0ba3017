package workflow

import (
	"testing"

	"github.com/mmdatafocus/inventory_backend/models"
	"github.com/mmdatafocus/inventory_backend/utils"
)

func TestCollectSubtreeWalksAllDescendants(t *testing.T) {
	// 1 -> {2, 3}, 2 -> {4}, 3 -> {5, 6}
	children := map[int][]int{
		1: {2, 3},
		2: {4},
		3: {5, 6},
	}
	subtree, err := CollectSubtree(1, children, models.MaxReparentSubtree)
	if err != nil {
		t.Fatalf("CollectSubtree: %v", err)
	}
	if len(subtree) != 6 {
		t.Fatalf("subtree size = %d, want 6", len(subtree))
	}
	if subtree[0] != 1 {
		t.Errorf("subtree root = %d, want 1", subtree[0])
	}

	mid, err := CollectSubtree(3, children, models.MaxReparentSubtree)
	if err != nil {
		t.Fatalf("CollectSubtree(3): %v", err)
	}
	if len(mid) != 3 {
		t.Errorf("subtree of 3 size = %d, want 3", len(mid))
	}
}

func TestCollectSubtreeEnforcesCeiling(t *testing.T) {
	children := map[int][]int{}
	for i := 1; i <= 10; i++ {
		children[i] = []int{i + 1}
	}
	_, err := CollectSubtree(1, children, 5)
	if err == nil {
		t.Fatal("expected cascade ceiling error")
	}
	if utils.CodeOf(err) != utils.CodeCascadeTooLarge {
		t.Errorf("code = %s, want %s", utils.CodeOf(err), utils.CodeCascadeTooLarge)
	}
}

func TestCollectSubtreeCeilingCountsDescendantsOnly(t *testing.T) {
	// A node with exactly limit descendants moves; one more aborts.
	const limit = 5
	children := map[int][]int{}
	for i := 1; i <= limit; i++ {
		children[1] = append(children[1], i+1)
	}
	subtree, err := CollectSubtree(1, children, limit)
	if err != nil {
		t.Fatalf("cascade with exactly %d descendants rejected: %v", limit, err)
	}
	if len(subtree) != limit+1 {
		t.Errorf("subtree size = %d, want %d (root included)", len(subtree), limit+1)
	}

	children[1] = append(children[1], limit+2)
	if _, err := CollectSubtree(1, children, limit); err == nil {
		t.Errorf("cascade with %d descendants accepted", limit+1)
	}
}

func TestCollectSubtreeToleratesCycles(t *testing.T) {
	// Corrupt edges must not hang the walk.
	children := map[int][]int{
		1: {2},
		2: {3},
		3: {1},
	}
	subtree, err := CollectSubtree(1, children, 100)
	if err != nil {
		t.Fatalf("CollectSubtree with cycle: %v", err)
	}
	if len(subtree) != 3 {
		t.Errorf("subtree size = %d, want 3", len(subtree))
	}
}
