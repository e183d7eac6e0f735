package structure

import (
	"testing"
)

func newTestLeg(dir Direction, origin, pivot float64, parent LegID) *Leg {
	return &Leg{
		Direction:   dir,
		OriginPrice: origin,
		PivotPrice:  pivot,
		Status:      StatusActive,
		SeedRange:   absFloat(pivot - origin),
		Parent:      parent,
	}
}

func TestArenaInsertAssignsSequentialIDs(t *testing.T) {
	a := newArena()
	l1 := a.insert(newTestLeg(Bull, 100, 110, 0))
	l2 := a.insert(newTestLeg(Bear, 120, 105, 0))
	if l1.ID != 1 || l2.ID != 2 {
		t.Fatalf("id 应从 1 起连续分配, 实际=%d,%d", l1.ID, l2.ID)
	}
	if got := len(a.all()); got != 2 {
		t.Fatalf("在册腿数量应为 2, 实际=%d", got)
	}
}

func TestArenaRemoveReparentsChildren(t *testing.T) {
	a := newArena()
	grand := a.insert(newTestLeg(Bull, 100, 160, 0))
	mid := a.insert(newTestLeg(Bull, 110, 150, grand.ID))
	c1 := a.insert(newTestLeg(Bull, 120, 140, mid.ID))
	c2 := a.insert(newTestLeg(Bear, 145, 125, mid.ID))

	removed := a.remove(mid.ID, StatusPruned)
	if removed.Status != StatusPruned {
		t.Fatalf("移除后状态应为 pruned, 实际=%v", removed.Status)
	}
	// 孩子必须在同一步挂回祖父，不允许出现悬空窗口。
	if c1.Parent != grand.ID || c2.Parent != grand.ID {
		t.Fatalf("孩子应重挂到祖父 %d, 实际=%d,%d", grand.ID, c1.Parent, c2.Parent)
	}
	if !containsSorted(grand.Children, c1.ID) || !containsSorted(grand.Children, c2.ID) {
		t.Fatalf("祖父的孩子列表应包含重挂的孩子, 实际=%v", grand.Children)
	}
	if containsSorted(grand.Children, mid.ID) {
		t.Fatalf("被移除的腿不应留在父腿的孩子列表中")
	}
	if a.get(mid.ID) != nil {
		t.Fatalf("被移除的腿不应再能检索到")
	}
	a.checkIntegrity()
}

func TestArenaRemoveRootPromotesChildren(t *testing.T) {
	a := newArena()
	root := a.insert(newTestLeg(Bear, 200, 150, 0))
	child := a.insert(newTestLeg(Bull, 155, 190, root.ID))

	a.remove(root.ID, StatusStale)
	if child.Parent != 0 {
		t.Fatalf("根被移除后孩子应升为根, 实际 parent=%d", child.Parent)
	}
	a.checkIntegrity()
}

func TestArenaIntegrityPanicsOnCorruption(t *testing.T) {
	a := newArena()
	parent := a.insert(newTestLeg(Bull, 100, 120, 0))
	child := a.insert(newTestLeg(Bull, 105, 115, parent.ID))

	// 人为打断双向链接，校验必须当场 panic。
	child.Parent = 0
	defer func() {
		if recover() == nil {
			t.Fatalf("父子指针不一致时 checkIntegrity 应 panic")
		}
	}()
	a.checkIntegrity()
}

func TestArenaAncestorWithin(t *testing.T) {
	a := newArena()
	big := a.insert(newTestLeg(Bull, 100, 200, 0))
	mid := a.insert(newTestLeg(Bull, 120, 180, big.ID))
	leaf := a.insert(newTestLeg(Bull, 140, 160, mid.ID))

	isBig := func(l *Leg) bool { return l.ID == big.ID }
	if !a.ancestorWithin(leaf, 2, isBig) {
		t.Fatalf("两级以内应能命中大级别祖先")
	}
	if a.ancestorWithin(leaf, 1, isBig) {
		t.Fatalf("一级以内不应命中隔代祖先")
	}
	if a.ancestorWithin(big, 2, isBig) {
		t.Fatalf("谓词只检查祖先, 不包含自身")
	}
}

func TestSortedIDHelpers(t *testing.T) {
	var ids []LegID
	for _, id := range []LegID{5, 1, 3, 3} {
		ids = insertSorted(ids, id)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 5 {
		t.Fatalf("insertSorted 应去重且保持有序, 实际=%v", ids)
	}
	ids = removeSorted(ids, 3)
	if containsSorted(ids, 3) {
		t.Fatalf("removeSorted 后不应再包含 3, 实际=%v", ids)
	}
	if !containsSorted(ids, 5) {
		t.Fatalf("无关元素不应被移除, 实际=%v", ids)
	}
}
