package vmm

import (
	"github.com/google/btree"
	"github.com/jobala/kcore/mem"
)

// MaxVA is one past the highest virtual address a page table can map.
const MaxVA = uintptr(1) << 38

// translation is one leaf of the page table.
type translation struct {
	page uintptr
	pte  pageTableEntry
}

// pageTable keeps the leaf entries of an address space ordered by virtual
// page so that address ranges can be scanned.
type pageTable struct {
	tree *btree.BTreeG[*translation]
}

func newPageTable() *pageTable {
	return &pageTable{
		tree: btree.NewG[*translation](8, func(a, b *translation) bool { return a.page < b.page }),
	}
}

// walk returns the entry for the page containing va. When alloc is set a
// missing entry is created non-present; otherwise nil is returned.
func (pt *pageTable) walk(va uintptr, alloc bool) *pageTableEntry {
	key := &translation{page: mem.PageRoundDown(va)}
	if t, ok := pt.tree.Get(key); ok {
		return &t.pte
	}
	if !alloc {
		return nil
	}

	pt.tree.ReplaceOrInsert(key)
	return &key.pte
}

// remove drops the entry for the page containing va.
func (pt *pageTable) remove(va uintptr) {
	pt.tree.Delete(&translation{page: mem.PageRoundDown(va)})
}

// visit calls fn for every entry in [start, end) in address order until fn
// returns false.
func (pt *pageTable) visit(start, end uintptr, fn func(va uintptr, pte *pageTableEntry) bool) {
	pt.tree.AscendRange(&translation{page: start}, &translation{page: end}, func(t *translation) bool {
		return fn(t.page, &t.pte)
	})
}

// present returns the virtual pages of every present entry in [start, end).
func (pt *pageTable) present(start, end uintptr) []uintptr {
	var pages []uintptr
	pt.visit(start, end, func(va uintptr, pte *pageTableEntry) bool {
		if pte.HasFlags(FlagPresent) {
			pages = append(pages, va)
		}
		return true
	})
	return pages
}
