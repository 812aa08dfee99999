package stats

import (
	"container/heap"
	"sort"
)

// pieceLess orders hot-piece payloads weakest first: lower count, lower
// byte total, then lexically later piece ID so ties resolve to the
// lexically first ID.
func pieceLess(a, b HotPiecePayload) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	if a.Bytes != b.Bytes {
		return a.Bytes < b.Bytes
	}
	return a.PieceID > b.PieceID
}

// pieceHeap is a min-heap keeping the weakest retained piece at the
// root while scanning the full piece table.
type pieceHeap []HotPiecePayload

func (h pieceHeap) Len() int           { return len(h) }
func (h pieceHeap) Less(i, j int) bool { return pieceLess(h[i], h[j]) }
func (h pieceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pieceHeap) Push(x any)        { *h = append(*h, x.(HotPiecePayload)) }
func (h *pieceHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// topPieces returns the k highest-traffic pieces ordered by operation
// count, byte total, then piece ID. The scan is O(n log k).
func topPieces(pieces map[string]*pieceCounter, k int) []HotPiecePayload {
	if k <= 0 || len(pieces) == 0 {
		return nil
	}
	h := make(pieceHeap, 0, k)
	for id, pc := range pieces {
		item := HotPiecePayload{PieceID: id, Count: pc.count, Bytes: pc.bytes}
		if h.Len() < k {
			heap.Push(&h, item)
			continue
		}
		if pieceLess(h[0], item) {
			h[0] = item
			heap.Fix(&h, 0)
		}
	}
	out := []HotPiecePayload(h)
	sort.Slice(out, func(i, j int) bool { return pieceLess(out[j], out[i]) })
	return out
}
