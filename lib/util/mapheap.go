package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is an entry of a MapHeap.
type HeapItem[K comparable] struct {
	Key      K     // Unique identifier of the entry
	Priority int64 // Smaller priorities are popped first
	index    int   // Index in the heap, maintained by the heap package
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap of priorities that also supports O(1) lookup and
// O(log n) removal by key. The awareness register keys it by client id with
// the expiry deadline (unix nanos) as priority, so the next entry to expire
// is always at the top.
//
// Example usage:
//
//	expiry := NewMapHeap[uint64]()
//	expiry.AddItem(clientID, deadline.UnixNano())
//	for expiry.Len() > 0 {
//	    next, _ := expiry.Peek()
//	    if next.Priority > now.UnixNano() {
//	        break
//	    }
//	    expiry.PopItem()
//	}
//
// MapHeap is not thread-safe.
type MapHeap[K comparable] struct {
	items    []*HeapItem[K]
	itemsMap map[K]*HeapItem[K]
}

// NewMapHeap creates an empty, initialized heap.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*HeapItem[K], 0),
		itemsMap: make(map[K]*HeapItem[K]),
	}
}

// Len returns the number of items (part of heap.Interface)
func (h *MapHeap[K]) Len() int { return len(h.items) }

// Less orders by ascending priority (part of heap.Interface)
func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface). Use AddItem instead.
func (h *MapHeap[K]) Push(x any) {
	it := x.(*HeapItem[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

// Pop removes the last item (part of heap.Interface). Use PopItem instead.
func (h *MapHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// AddItem inserts a key or moves an existing key to a new priority.
func (h *MapHeap[K]) AddItem(key K, priority int64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &HeapItem[K]{Key: key, Priority: priority})
}

// PopItem removes and returns the item with the smallest priority.
func (h *MapHeap[K]) PopItem() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*HeapItem[K]), true
}

// RemoveByKey removes an item by its key and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the smallest priority without removing it.
func (h *MapHeap[K]) Peek() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// Contains checks if a key is in the heap.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey returns the item for key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (*HeapItem[K], bool) {
	it, exists := h.itemsMap[key]
	return it, exists
}
