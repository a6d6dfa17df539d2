package slab

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoMoreSlabs = errors.New("slab: no more slabs")
	ErrTooLarge    = errors.New("slab: object larger than every size class")
	ErrBadRef      = errors.New("slab: reference not allocated from this cache")
)

// Ref identifies a block inside one cache.
type Ref uint64

func makeRef(slab, index int) Ref { return Ref(uint64(slab)<<32 | uint64(index)) }

func (r Ref) slab() int  { return int(r >> 32) }
func (r Ref) index() int { return int(r & 0xffffffff) }

// Stats describes a cache.
type Stats struct {
	Name       string `json:"name"`
	ObjectSize int    `json:"object_size"`
	Slabs      int    `json:"slabs"`
	MaxSlabs   int    `json:"max_slabs"`
	InUse      int    `json:"in_use"`
	Free       int    `json:"free"`
}

// Cache hands out blocks of one size.
type Cache struct {
	name     string
	objSize  int
	perSlab  int
	maxSlabs int

	mu    sync.Mutex
	slabs [][]byte
	used  [][]bool
	free  []Ref
	inUse int
}

// NewCache creates a cache of objSize blocks, perSlab blocks per slab and
// at most maxSlabs slabs.
func NewCache(name string, objSize, perSlab, maxSlabs int) *Cache {
	if perSlab <= 0 {
		perSlab = 1
	}
	return &Cache{
		name:     name,
		objSize:  objSize,
		perSlab:  perSlab,
		maxSlabs: maxSlabs,
	}
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the block size.
func (c *Cache) ObjectSize() int { return c.objSize }

// Alloc returns a zeroed block.
func (c *Cache) Alloc() (Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.free) == 0 {
		if len(c.slabs) >= c.maxSlabs {
			return 0, fmt.Errorf("%w: cache %s exhausted at %d slabs", ErrNoMoreSlabs, c.name, c.maxSlabs)
		}
		c.grow()
	}

	r := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.used[r.slab()][r.index()] = true
	c.inUse++

	b := c.block(r)
	for i := range b {
		b[i] = 0
	}
	return r, nil
}

// grow adds one slab. Caller holds c.mu.
func (c *Cache) grow() {
	s := len(c.slabs)
	c.slabs = append(c.slabs, make([]byte, c.objSize*c.perSlab))
	c.used = append(c.used, make([]bool, c.perSlab))
	for i := c.perSlab - 1; i >= 0; i-- {
		c.free = append(c.free, makeRef(s, i))
	}
}

// Free returns a block to the cache.
func (c *Cache) Free(r Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.valid(r) || !c.used[r.slab()][r.index()] {
		return fmt.Errorf("%w: %s ref %#x", ErrBadRef, c.name, uint64(r))
	}
	c.used[r.slab()][r.index()] = false
	c.free = append(c.free, r)
	c.inUse--
	return nil
}

// Bytes returns the memory of an allocated block.
func (c *Cache) Bytes(r Ref) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.valid(r) || !c.used[r.slab()][r.index()] {
		return nil
	}
	return c.block(r)
}

func (c *Cache) valid(r Ref) bool {
	return r.slab() < len(c.slabs) && r.index() < c.perSlab
}

func (c *Cache) block(r Ref) []byte {
	off := r.index() * c.objSize
	return c.slabs[r.slab()][off : off+c.objSize : off+c.objSize]
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Name:       c.name,
		ObjectSize: c.objSize,
		Slabs:      len(c.slabs),
		MaxSlabs:   c.maxSlabs,
		InUse:      c.inUse,
		Free:       len(c.free),
	}
}

// Class configures one size class of an Allocator.
type Class struct {
	Name     string
	Size     int
	PerSlab  int
	MaxSlabs int
}

// Block is a block handed out by an Allocator.
type Block struct {
	cache *Cache
	ref   Ref
}

// Bytes returns the block memory.
func (b Block) Bytes() []byte {
	if b.cache == nil {
		return nil
	}
	return b.cache.Bytes(b.ref)
}

// Class returns the name of the class the block came from.
func (b Block) Class() string {
	if b.cache == nil {
		return ""
	}
	return b.cache.name
}

// Allocator routes requests to size classes.
type Allocator struct {
	caches []*Cache
}

// New creates an allocator. Classes are ordered by size.
func New(classes ...Class) *Allocator {
	sorted := append([]Class(nil), classes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	a := &Allocator{}
	for _, cl := range sorted {
		a.caches = append(a.caches, NewCache(cl.Name, cl.Size, cl.PerSlab, cl.MaxSlabs))
	}
	return a
}

// Alloc returns a block from the smallest class holding size bytes.
func (a *Allocator) Alloc(size int) (Block, error) {
	for _, c := range a.caches {
		if c.objSize >= size {
			r, err := c.Alloc()
			if err != nil {
				return Block{}, err
			}
			return Block{cache: c, ref: r}, nil
		}
	}
	return Block{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
}

// Free releases a block.
func (a *Allocator) Free(b Block) error {
	if b.cache == nil {
		return ErrBadRef
	}
	return b.cache.Free(b.ref)
}

// Stats returns per-class statistics.
func (a *Allocator) Stats() []Stats {
	out := make([]Stats, 0, len(a.caches))
	for _, c := range a.caches {
		out = append(out, c.Stats())
	}
	return out
}
