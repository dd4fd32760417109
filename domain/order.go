package domain

// Sequence ordering primitives. Board.ListOrder and List.CardOrder are the
// authoritative orderings; denormalized Position fields are caches rewritten
// by the reindex helpers after every structural change. Nothing outside this
// file splices a sequence directly.

func clampIndex(index, length int) int {
	if index < 0 {
		return 0
	}
	if index > length {
		return length
	}
	return index
}

func indexOf(seq []string, ref string) int {
	for i, v := range seq {
		if v == ref {
			return i
		}
	}
	return -1
}

// insertAt inserts ref at the clamped index and returns the new sequence.
func insertAt(seq []string, ref string, index int) []string {
	index = clampIndex(index, len(seq))
	out := make([]string, 0, len(seq)+1)
	out = append(out, seq[:index]...)
	out = append(out, ref)
	out = append(out, seq[index:]...)
	return out
}

// removeRef removes the first occurrence of ref. It fails when ref is not
// present so callers surface NotFound instead of silently reordering.
func removeRef(seq []string, ref string) ([]string, error) {
	i := indexOf(seq, ref)
	if i < 0 {
		return nil, notFoundf("reference %s not in sequence", ref)
	}
	out := make([]string, 0, len(seq)-1)
	out = append(out, seq[:i]...)
	out = append(out, seq[i+1:]...)
	return out, nil
}

// moveWithin performs an atomic remove-then-insert inside one sequence. It
// reports the source index and the clamped destination index; a post-clamp
// no-op returns the original sequence unchanged.
func moveWithin(seq []string, ref string, toIndex int) (out []string, from, to int, err error) {
	from = indexOf(seq, ref)
	if from < 0 {
		return nil, 0, 0, notFoundf("reference %s not in sequence", ref)
	}
	removed := make([]string, 0, len(seq)-1)
	removed = append(removed, seq[:from]...)
	removed = append(removed, seq[from+1:]...)
	to = clampIndex(toIndex, len(removed))
	if to == from {
		return seq, from, to, nil
	}
	return insertAt(removed, ref, to), from, to, nil
}

// moveAcross removes ref from src and inserts it into dst at the clamped
// index. The caller updates the moved entity's owning-container pointer.
func moveAcross(src, dst []string, ref string, destIndex int) (newSrc, newDst []string, srcIdx, dstIdx int, err error) {
	srcIdx = indexOf(src, ref)
	if srcIdx < 0 {
		return nil, nil, 0, 0, notFoundf("reference %s not in source sequence", ref)
	}
	newSrc, err = removeRef(src, ref)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	dstIdx = clampIndex(destIndex, len(dst))
	newDst = insertAt(dst, ref, dstIdx)
	return newSrc, newDst, srcIdx, dstIdx, nil
}

// isPermutation reports whether next is a permutation of current. Wholesale
// reorders are accepted only when true, so a reorder can never drop or
// duplicate an entry.
func isPermutation(current, next []string) bool {
	if len(current) != len(next) {
		return false
	}
	seen := make(map[string]int, len(current))
	for _, id := range current {
		seen[id]++
	}
	for _, id := range next {
		seen[id]--
		if seen[id] < 0 {
			return false
		}
	}
	return true
}

// reindexLists rewrites every list's cached position to its index in order.
func reindexLists(order []string, lists map[string]*List) {
	for i, id := range order {
		if l, ok := lists[id]; ok {
			l.Position = i
		}
	}
}

// reindexCards rewrites every card's cached position to its index in order.
// It runs on both sequences of a cross-list move so the cache invariant
// holds everywhere, not just where the move semantically required it.
func reindexCards(order []string, cards map[string]*Card) {
	for i, id := range order {
		if c, ok := cards[id]; ok {
			c.Position = i
		}
	}
}
