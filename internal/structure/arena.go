package structure

import (
	"fmt"
	"sort"
)

// arena 持有全部腿并负责父子关系的一致性。
// 腿之间只通过整数 id 引用，不持有指针，序列化因此是平凡的。
// order 保存 id 的插入顺序，所有遍历都走它，保证逐根回放与
// 批量标定产生字节一致的结果。
type arena struct {
	legs   map[LegID]*Leg
	order  []LegID
	nextID LegID
}

func newArena() *arena {
	return &arena{legs: make(map[LegID]*Leg), nextID: 1}
}

// insert 分配 id 并登记新腿；parent 由调用方预先填好。
func (a *arena) insert(leg *Leg) *Leg {
	leg.ID = a.nextID
	a.nextID++
	a.legs[leg.ID] = leg
	a.order = append(a.order, leg.ID)
	if leg.Parent != 0 {
		parent, ok := a.legs[leg.Parent]
		mustInvariant(ok, "新腿 %d 引用不存在的父腿 %d", leg.ID, leg.Parent)
		parent.Children = insertSorted(parent.Children, leg.ID)
	}
	return leg
}

// get 返回指定腿；不存在时返回 nil。
func (a *arena) get(id LegID) *Leg {
	return a.legs[id]
}

// tracked 按插入顺序返回所有 active/invalidated 的腿。
func (a *arena) tracked() []*Leg {
	out := make([]*Leg, 0, len(a.order))
	for _, id := range a.order {
		if l := a.legs[id]; l != nil && l.Tracked() {
			out = append(out, l)
		}
	}
	return out
}

// active 按插入顺序返回所有 active 的腿。
func (a *arena) active() []*Leg {
	out := make([]*Leg, 0, len(a.order))
	for _, id := range a.order {
		if l := a.legs[id]; l != nil && l.Status == StatusActive {
			out = append(out, l)
		}
	}
	return out
}

// all 按插入顺序返回全部在册的腿。
func (a *arena) all() []*Leg {
	out := make([]*Leg, 0, len(a.order))
	for _, id := range a.order {
		if l := a.legs[id]; l != nil {
			out = append(out, l)
		}
	}
	return out
}

// remove 将腿从 arena 中摘除并在同一步内把它的孩子挂回它的父腿。
// 这是唯一的删除原语：删除与重挂父子必须构成一个事务，
// 森林才不会出现悬空引用。返回被摘除的腿（status 已置为 reason）。
func (a *arena) remove(id LegID, reason string) *Leg {
	leg, ok := a.legs[id]
	mustInvariant(ok, "移除不存在的腿 %d", id)

	// 先从父腿的孩子列表摘掉自己。
	if leg.Parent != 0 {
		if parent := a.legs[leg.Parent]; parent != nil {
			parent.Children = removeSorted(parent.Children, id)
		}
	}
	// 再把孩子整体挂回祖父（或升为根）。
	for _, childID := range leg.Children {
		child := a.legs[childID]
		mustInvariant(child != nil, "腿 %d 的孩子 %d 不存在", id, childID)
		child.Parent = leg.Parent
		if leg.Parent != 0 {
			if parent := a.legs[leg.Parent]; parent != nil {
				parent.Children = insertSorted(parent.Children, childID)
			}
		}
	}
	leg.Children = nil
	leg.Status = reason
	delete(a.legs, id)
	a.order = removeSorted(a.order, id)
	return leg
}

// checkIntegrity 全量校验森林不变式：父指针双向一致、无环、无悬空。
// 违反即 panic —— 这些是编程缺陷而非运行期输入错误。
func (a *arena) checkIntegrity() {
	for _, id := range a.order {
		leg := a.legs[id]
		mustInvariant(leg != nil, "order 中存在已删除的腿 %d", id)
		if leg.Parent != 0 {
			parent := a.legs[leg.Parent]
			mustInvariant(parent != nil, "腿 %d 的父腿 %d 已不存在", id, leg.Parent)
			mustInvariant(containsSorted(parent.Children, id), "父腿 %d 未登记孩子 %d", leg.Parent, id)
		}
		for _, childID := range leg.Children {
			child := a.legs[childID]
			mustInvariant(child != nil, "腿 %d 登记了不存在的孩子 %d", id, childID)
			mustInvariant(child.Parent == id, "孩子 %d 的父指针 %d 与 %d 不一致", childID, child.Parent, id)
		}
		mustInvariant(sort.SliceIsSorted(leg.Children, func(i, j int) bool {
			return leg.Children[i] < leg.Children[j]
		}), "腿 %d 的孩子列表失序", id)
		// 沿父链上行，步数超过在册腿数即成环。
		steps := 0
		for cur := leg.Parent; cur != 0; {
			next := a.legs[cur]
			mustInvariant(next != nil, "腿 %d 的祖先 %d 不存在", id, cur)
			cur = next.Parent
			steps++
			mustInvariant(steps <= len(a.order), "腿 %d 的父链成环", id)
		}
	}
}

// ancestorWithin 判断从 leg 上行不超过 maxLevels 级是否能命中 pred。
func (a *arena) ancestorWithin(leg *Leg, maxLevels int, pred func(*Leg) bool) bool {
	cur := leg.Parent
	for level := 1; level <= maxLevels && cur != 0; level++ {
		parent := a.legs[cur]
		if parent == nil {
			return false
		}
		if pred(parent) {
			return true
		}
		cur = parent.Parent
	}
	return false
}

func mustInvariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("structure: "+format, args...))
	}
}

func insertSorted(ids []LegID, id LegID) []LegID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeSorted(ids []LegID, id LegID) []LegID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i >= len(ids) || ids[i] != id {
		return ids
	}
	return append(ids[:i], ids[i+1:]...)
}

func containsSorted(ids []LegID, id LegID) bool {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	return i < len(ids) && ids[i] == id
}
