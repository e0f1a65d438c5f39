// Package observer turns store commits into ordered change sets over a
// query result.
package observer

import (
	"slices"
	"sort"
)

type ChangeKind int

const (
	Insert ChangeKind = iota
	Update
	Move
	Remove
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Move:
		return "move"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// Change is one entry of a change set. Index is the position in the new list
// for Insert, Update and Move, and the position in the old list for Remove.
// From is the old position of a Move.
type Change[T any] struct {
	Kind  ChangeKind
	Item  T
	Index int
	From  int
}

// Diff returns the changes turning before into after. Items are matched by
// key; matched items on a longest increasing run of old positions stay put
// and the rest are reported as moves. equal decides whether a matched item
// was updated.
func Diff[T any](before, after []T, key func(T) string, equal func(a, b T) bool) []Change[T] {
	oldIndex := make(map[string]int, len(before))
	for i, item := range before {
		oldIndex[key(item)] = i
	}
	newKeys := make(map[string]struct{}, len(after))
	for _, item := range after {
		newKeys[key(item)] = struct{}{}
	}

	var changes []Change[T]
	for i, item := range before {
		if _, ok := newKeys[key(item)]; !ok {
			changes = append(changes, Change[T]{Kind: Remove, Item: item, Index: i})
		}
	}

	// Old positions of matched items, in new order.
	var (
		matchedNew []int
		matchedOld []int
	)
	for i, item := range after {
		if j, ok := oldIndex[key(item)]; ok {
			matchedNew = append(matchedNew, i)
			matchedOld = append(matchedOld, j)
		}
	}
	stay := make(map[int]bool, len(matchedOld))
	for _, k := range longestIncreasing(matchedOld) {
		stay[matchedNew[k]] = true
	}

	for i, item := range after {
		j, ok := oldIndex[key(item)]
		switch {
		case !ok:
			changes = append(changes, Change[T]{Kind: Insert, Item: item, Index: i})
		case !stay[i]:
			changes = append(changes, Change[T]{Kind: Move, Item: item, Index: i, From: j})
			if !equal(before[j], item) {
				changes = append(changes, Change[T]{Kind: Update, Item: item, Index: i})
			}
		case !equal(before[j], item):
			changes = append(changes, Change[T]{Kind: Update, Item: item, Index: i})
		}
	}
	return changes
}

// Apply replays changes on old, so Apply(a, Diff(a, b, ...)) equals b.
func Apply[T any](old []T, changes []Change[T]) []T {
	drop := make(map[int]bool)
	var placed []Change[T]
	var updates []Change[T]
	for _, c := range changes {
		switch c.Kind {
		case Remove:
			drop[c.Index] = true
		case Move:
			drop[c.From] = true
			placed = append(placed, c)
		case Insert:
			placed = append(placed, c)
		case Update:
			updates = append(updates, c)
		}
	}

	out := make([]T, 0, len(old)+len(placed))
	for i, item := range old {
		if !drop[i] {
			out = append(out, item)
		}
	}

	sort.SliceStable(placed, func(i, j int) bool { return placed[i].Index < placed[j].Index })
	for _, c := range placed {
		out = slices.Insert(out, c.Index, c.Item)
	}
	for _, c := range updates {
		out[c.Index] = c.Item
	}
	return out
}

// longestIncreasing returns the positions in seq of one longest strictly
// increasing subsequence.
func longestIncreasing(seq []int) []int {
	if len(seq) == 0 {
		return nil
	}
	tails := make([]int, 0, len(seq)) // positions in seq
	prev := make([]int, len(seq))
	for i, v := range seq {
		k := sort.Search(len(tails), func(n int) bool { return seq[tails[n]] >= v })
		if k > 0 {
			prev[i] = tails[k-1]
		} else {
			prev[i] = -1
		}
		if k == len(tails) {
			tails = append(tails, i)
		} else {
			tails[k] = i
		}
	}

	out := make([]int, len(tails))
	for i, k := len(tails)-1, tails[len(tails)-1]; i >= 0; i-- {
		out[i] = k
		k = prev[k]
	}
	return out
}
