package store

import (
	"github.com/google/btree"
)

// Pointer is the byte range of one record in the log
type Pointer struct {
	Offset int64
	Length int64
}

type indexItem struct {
	key string
	ptr Pointer
}

func lessIndexItem(a, b indexItem) bool {
	return a.key < b.key
}

// Index maps a live key to the Pointer of its most recent set record.
// It's not safe for concurrent use, Store guards it with indexMu.
type Index struct {
	tree *btree.BTreeG[indexItem]
}

func NewIndex() *Index {
	return &Index{
		tree: btree.NewG(32, lessIndexItem),
	}
}

// Insert sets pointer for key and returns the previous one, if any
func (ix *Index) Insert(key string, p Pointer) (Pointer, bool) {
	old, replaced := ix.tree.ReplaceOrInsert(indexItem{key: key, ptr: p})
	return old.ptr, replaced
}

// Remove deletes key and returns its pointer, if it was present
func (ix *Index) Remove(key string) (Pointer, bool) {
	old, found := ix.tree.Delete(indexItem{key: key})
	return old.ptr, found
}

func (ix *Index) Lookup(key string) (Pointer, bool) {
	it, found := ix.tree.Get(indexItem{key: key})
	return it.ptr, found
}

func (ix *Index) Len() int {
	return ix.tree.Len()
}

// Ascend calls fn for every key in ascending order until fn returns false
func (ix *Index) Ascend(fn func(key string, p Pointer) bool) {
	ix.tree.Ascend(func(it indexItem) bool {
		return fn(it.key, it.ptr)
	})
}
