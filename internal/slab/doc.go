// Package slab provides fixed-size object caches backed by arenas.
//
// Each Cache hands out equally sized blocks carved from slabs. Freed blocks
// go onto a free list and are reused before a new slab is allocated. The
// number of slabs per cache is bounded: once the bound is reached and the
// free list is empty, Alloc fails with ErrNoMoreSlabs instead of growing.
//
// An Allocator groups caches into size classes and routes each request to
// the smallest class that fits.
//
// Example Usage:
//
//	alloc := slab.New(
//		slab.Class{Name: "kobj", Size: 256, PerSlab: 64, MaxSlabs: 16},
//		slab.Class{Name: "frame", Size: 4096, PerSlab: 64, MaxSlabs: 64},
//	)
//	blk, err := alloc.Alloc(4096)
//	defer alloc.Free(blk)
package slab
