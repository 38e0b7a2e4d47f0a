// Package heap owns the reserved address space of the collector core: the
// region table, the card table, the object layout, and the write barrier.
//
// The heap is one contiguous reserved range carved into fixed-size regions.
// Objects are laid out as words:
//
//	[ mark | type | field 0 | field 1 | ... ]
//
// The mark word is the object header (see package oop). The type word holds
// a TypeID into the heap's metadata table; a zero type word means the object
// is still being constructed and must not be scanned. Fields hold either
// plain values or full-width heap addresses; the metadata table says which.
//
// There are no process-wide globals here. All state hangs off an explicitly
// constructed Context, so tests and embedders control init and teardown.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andypeng2015/regiongc/config"
	"github.com/andypeng2015/regiongc/gclog"
	"github.com/andypeng2015/regiongc/oop"
	"github.com/andypeng2015/regiongc/remset"
)

const gcAsserts = true // perform sanity checks

const wordBytes = uintptr(oop.WordBytes)

// headerWords is the object header overhead: the mark word and the type
// word.
const headerWords = 2

// GlobalCard identifies a card across the whole heap. Cards within a region
// are remset.CardIndex; a GlobalCard divides into (region, card-in-region).
type GlobalCard uint32

// Card table entry values.
const (
	cardClean uint32 = 0
	cardDirty uint32 = 1
)

// DirtyCardSink receives freshly dirtied cards from the write barrier. The
// refinement subsystem implements this; the indirection keeps the mutator
// path free of any refinement dependency.
type DirtyCardSink interface {
	EnqueueDirtyCard(card GlobalCard)
}

// LivenessOracle answers liveness queries from the marking subsystem. It
// must be safe to call concurrently with refinement and must reflect the
// currently active marking epoch.
type LivenessOracle interface {
	IsObjectDead(obj oop.Address, r *Region) bool
}

// CodeRootOracle enumerates compiled code blobs referencing a region,
// supplied by the JIT/code-cache collaborator.
type CodeRootOracle interface {
	CodeBlobsReferencing(r *Region) []remset.CodeBlobID
}

// Context is the heap: the reserved space, its region and card tables, and
// the object metadata table.
type Context struct {
	cfg *config.Config
	log gclog.Logger

	base  oop.Address
	limit oop.Address
	words []uintptr // backing store for the reserved range

	regionSize     uintptr
	cardSize       uintptr
	cardsPerRegion uint32

	regions   []*Region
	cardTable []uint32 // cardClean/cardDirty, atomic access

	freeMu sync.Mutex
	free   []remset.RegionIndex

	// allocMu guards region allocation frontiers and object-start tables,
	// like the single heap lock the allocator takes around a bump.
	allocMu sync.Mutex

	typeMu  sync.RWMutex
	types   []TypeDescriptor
	fillers map[int]TypeID // payload words -> filler type, lazily registered

	sink      atomic.Pointer[sinkBox]
	liveness  atomic.Pointer[livenessBox]
	codeRoots atomic.Pointer[codeRootBox]

	timeStamp        atomic.Uint32
	collectionActive atomic.Bool

	narrow oop.NarrowEncoder

	hashMu    sync.Mutex
	hashes    map[oop.Address]uint32
	hashState uint64
}

type sinkBox struct{ sink DirtyCardSink }
type livenessBox struct{ oracle LivenessOracle }

// TypeID indexes the heap's metadata table. Zero is reserved: a zero type
// word marks an object whose construction has not been published yet.
type TypeID uint32

// TypeDescriptor is the metadata for one object type.
type TypeDescriptor struct {
	Name string

	// FieldWords is the payload size in words, excluding the header.
	FieldWords int

	// Pointers lists the field indices holding heap references.
	Pointers []int

	// Unloading is set by the class-loading collaborator when the defining
	// loader is going away.
	Unloading bool
}

// New reserves and initializes a heap from the given configuration.
func New(cfg *config.Config, log gclog.Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = gclog.Discard
	}

	size := uintptr(cfg.Heap.Size)
	regionSize := uintptr(cfg.Heap.RegionSize)
	cardSize := uintptr(cfg.Heap.CardSize)
	numRegions := uint32(size / regionSize)
	cardsPerRegion := uint32(regionSize / cardSize)
	numCards := numRegions * cardsPerRegion

	c := &Context{
		cfg:            cfg,
		log:            log,
		regionSize:     regionSize,
		cardSize:       cardSize,
		cardsPerRegion: cardsPerRegion,
		words:          make([]uintptr, size/wordBytes),
		cardTable:      make([]uint32, numCards),
		types:          make([]TypeDescriptor, 1), // slot 0 reserved
		fillers:        map[int]TypeID{},
		hashes:         map[oop.Address]uint32{},
		hashState:      0x9e3779b97f4a7c15,
	}

	// Place the reserved range one region above zero so that nil and the
	// narrow-pointer base never collide with a real object.
	c.base = oop.Address(regionSize)
	c.limit = c.base + oop.Address(size)
	c.narrow = oop.NarrowEncoder{Base: c.base - oop.Address(1)<<cfg.Heap.NarrowShift, Shift: cfg.Heap.NarrowShift}

	c.regions = make([]*Region, numRegions)
	c.free = make([]remset.RegionIndex, 0, numRegions)
	for i := uint32(0); i < numRegions; i++ {
		bottom := c.base + oop.Address(uintptr(i)*regionSize)
		r := &Region{
			ctx:              c,
			index:            remset.RegionIndex(i),
			bottom:           bottom,
			top:              bottom,
			end:              bottom + oop.Address(regionSize),
			youngIndexInCSet: noYoungIndex,
			remSet:           remset.New(remset.RegionIndex(i), numRegions, cardsPerRegion, cfg.Heap.RemSetFineTables),
		}
		r.setHumongousStart(remset.NoRegion)
		c.regions[i] = r
		c.free = append(c.free, r.index)
	}

	gclog.Infof(log, "gc,heap", "initialized heap: %s in %d regions of %s, card size %s",
		gclog.Bytes(uint64(size)), numRegions, gclog.Bytes(uint64(regionSize)), gclog.Bytes(uint64(cardSize)))
	return c, nil
}

// SetDirtyCardSink wires the refinement queue into the write barrier.
func (c *Context) SetDirtyCardSink(s DirtyCardSink) {
	c.sink.Store(&sinkBox{sink: s})
}

// SetLivenessOracle wires the marking subsystem's liveness queries. A nil
// oracle treats every allocated object as live.
func (c *Context) SetLivenessOracle(o LivenessOracle) {
	c.liveness.Store(&livenessBox{oracle: o})
}

func (c *Context) isObjectDead(obj oop.Address, r *Region) bool {
	box := c.liveness.Load()
	if box == nil || box.oracle == nil {
		return false
	}
	return box.oracle.IsObjectDead(obj, r)
}

// NarrowEncoder returns the compressed-pointer encoder for this heap.
func (c *Context) NarrowEncoder() oop.NarrowEncoder {
	return c.narrow
}

// Base returns the inclusive lower bound of the reserved range.
func (c *Context) Base() oop.Address { return c.base }

// Limit returns the exclusive upper bound of the reserved range.
func (c *Context) Limit() oop.Address { return c.limit }

// Contains reports whether an address lies inside the reserved range.
func (c *Context) Contains(p oop.Address) bool {
	return p >= c.base && p < c.limit
}

// RegionCount returns the number of regions.
func (c *Context) RegionCount() int { return len(c.regions) }

// Region returns the region at the given table index.
func (c *Context) Region(i remset.RegionIndex) *Region {
	return c.regions[i]
}

// RegionIndexOf maps an address to its region's index. The address must be
// inside the reserved range.
func (c *Context) RegionIndexOf(p oop.Address) remset.RegionIndex {
	if gcAsserts && !c.Contains(p) {
		panic("gc: address outside the reserved heap")
	}
	return remset.RegionIndex(uintptr(p-c.base) / c.regionSize)
}

// RegionOf returns the region containing an address.
func (c *Context) RegionOf(p oop.Address) *Region {
	return c.regions[c.RegionIndexOf(p)]
}

// CardsPerRegion returns the number of cards in one region.
func (c *Context) CardsPerRegion() uint32 { return c.cardsPerRegion }

// CardFor maps an address to its global card.
func (c *Context) CardFor(p oop.Address) GlobalCard {
	if gcAsserts && !c.Contains(p) {
		panic("gc: card lookup outside the reserved heap")
	}
	return GlobalCard(uintptr(p-c.base) / c.cardSize)
}

// CardBounds returns the address range a global card covers.
func (c *Context) CardBounds(card GlobalCard) (start, end oop.Address) {
	start = c.base + oop.Address(uintptr(card)*c.cardSize)
	return start, start + oop.Address(c.cardSize)
}

// CardRegion splits a global card into its region and the card index within
// that region.
func (c *Context) CardRegion(card GlobalCard) (remset.RegionIndex, remset.CardIndex) {
	return remset.RegionIndex(uint32(card) / c.cardsPerRegion),
		remset.CardIndex(uint32(card) % c.cardsPerRegion)
}

// IsValidCard reports whether a card index is inside the card table.
func (c *Context) IsValidCard(card GlobalCard) bool {
	return int(card) < len(c.cardTable)
}

// IsCardDirty reports the card's dirty bit.
func (c *Context) IsCardDirty(card GlobalCard) bool {
	return atomic.LoadUint32(&c.cardTable[card]) == cardDirty
}

// DirtyCard sets the card's dirty bit and reports whether this call
// transitioned it from clean.
func (c *Context) DirtyCard(card GlobalCard) bool {
	return atomic.CompareAndSwapUint32(&c.cardTable[card], cardClean, cardDirty)
}

// CleanCard clears the card's dirty bit and reports whether it was dirty.
// Refinement claims a card by cleaning it; the claim transfers ownership of
// re-deriving the card's remembered-set entries to the caller.
func (c *Context) CleanCard(card GlobalCard) bool {
	return atomic.CompareAndSwapUint32(&c.cardTable[card], cardDirty, cardClean)
}

// GCTimeStamp returns the heap's current GC epoch.
func (c *Context) GCTimeStamp() uint32 {
	return c.timeStamp.Load()
}

// CollectionActive reports whether a collection pause is in progress.
func (c *Context) CollectionActive() bool {
	return c.collectionActive.Load()
}

// BeginCollection marks the start of a collection pause and advances the GC
// epoch. The caller is responsible for having brought refinement to a
// safepoint first.
func (c *Context) BeginCollection() {
	if gcAsserts && c.collectionActive.Load() {
		panic("gc: nested collection")
	}
	c.timeStamp.Add(1)
	c.collectionActive.Store(true)
}

// EndCollection marks the end of a collection pause.
func (c *Context) EndCollection() {
	if gcAsserts && !c.collectionActive.Load() {
		panic("gc: ending a collection that never began")
	}
	c.collectionActive.Store(false)
}

// RegisterType adds a type to the metadata table and returns its ID.
func (c *Context) RegisterType(desc TypeDescriptor) TypeID {
	c.typeMu.Lock()
	defer c.typeMu.Unlock()
	if gcAsserts {
		if desc.FieldWords < 0 {
			panic("gc: negative object size")
		}
		for _, f := range desc.Pointers {
			if f < 0 || f >= desc.FieldWords {
				panic("gc: pointer field outside the object")
			}
		}
	}
	c.types = append(c.types, desc)
	return TypeID(len(c.types) - 1)
}

// TypeDescriptorOf returns the metadata for a type ID, or nil if the ID is
// out of range or the reserved zero.
func (c *Context) TypeDescriptorOf(id TypeID) *TypeDescriptor {
	c.typeMu.RLock()
	defer c.typeMu.RUnlock()
	if id == 0 || int(id) >= len(c.types) {
		return nil
	}
	return &c.types[id]
}

// SetTypeUnloading flags a type as being unloaded, mimicking the
// class-loading collaborator's notification.
func (c *Context) SetTypeUnloading(id TypeID, unloading bool) {
	c.typeMu.Lock()
	defer c.typeMu.Unlock()
	c.types[id].Unloading = unloading
}

// wordIndex maps an address to its slot in the backing store.
func (c *Context) wordIndex(p oop.Address) uintptr {
	if gcAsserts {
		if !c.Contains(p) {
			panic("gc: address outside the reserved heap")
		}
		if uintptr(p)%wordBytes != 0 {
			panic("gc: unaligned heap address")
		}
	}
	return uintptr(p-c.base) / wordBytes
}

// Header returns the object's header.
func (c *Context) Header(obj oop.Address) oop.Header {
	return oop.HeaderAt(&c.words[c.wordIndex(obj)])
}

// TypeOf returns the object's published type, or zero while the object is
// still under construction. The load has acquire semantics, pairing with
// the release store in PublishType.
func (c *Context) TypeOf(obj oop.Address) TypeID {
	return TypeID(atomic.LoadUintptr(&c.words[c.wordIndex(obj)+1]))
}

// PublishType installs the object's type word with release semantics. This
// is the publication point: before it, concurrent scanners must treat the
// object as not yet parsable.
func (c *Context) PublishType(obj oop.Address, id TypeID) {
	atomic.StoreUintptr(&c.words[c.wordIndex(obj)+1], uintptr(id))
}

// SizeOf returns the object's total size in bytes, header included. The
// object's type must be published.
func (c *Context) SizeOf(obj oop.Address) uintptr {
	desc := c.TypeDescriptorOf(c.TypeOf(obj))
	if desc == nil {
		panic(fmt.Sprintf("gc: size of object %#x with unpublished type", uintptr(obj)))
	}
	return uintptr(headerWords+desc.FieldWords) * wordBytes
}

// FieldAddress returns the address of the object's i-th field word.
func (c *Context) FieldAddress(obj oop.Address, field int) oop.Address {
	return obj + oop.Address(uintptr(headerWords+field)*wordBytes)
}

// Field loads the object's i-th field word.
func (c *Context) Field(obj oop.Address, field int) oop.Address {
	return oop.Address(atomic.LoadUintptr(&c.words[c.wordIndex(obj)+uintptr(headerWords+field)]))
}

// WriteField stores a reference into the object's i-th field and runs the
// post write barrier: if the store creates a cross-region pointer, the card
// holding the field is dirtied and handed to the refinement queue. This is
// the only synchronous-with-mutator cost of remembered-set maintenance.
func (c *Context) WriteField(obj oop.Address, field int, val oop.Address) {
	fieldAddr := c.FieldAddress(obj, field)
	atomic.StoreUintptr(&c.words[c.wordIndex(fieldAddr)], uintptr(val))
	if val == 0 {
		return
	}
	if c.RegionIndexOf(fieldAddr) == c.RegionIndexOf(val) {
		// Same-region stores never need remembered-set entries.
		return
	}
	card := c.CardFor(fieldAddr)
	if !c.DirtyCard(card) {
		// Already dirty: some earlier store owns the enqueue.
		return
	}
	if box := c.sink.Load(); box != nil && box.sink != nil {
		box.sink.EnqueueDirtyCard(card)
	}
}

// IdentityHashOf returns the object's identity hash, assigning one lazily.
// The fast path packs the hash into an unlocked mark word; locked or
// forwarded objects fall back to a side table keyed by address.
func (c *Context) IdentityHashOf(obj oop.Address) uint32 {
	if hash, ok := c.Header(obj).IdentityHash(c.nextHash); ok {
		return hash
	}
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	if hash, ok := c.hashes[obj]; ok {
		return hash
	}
	hash := c.nextHashLocked()
	c.hashes[obj] = hash
	return hash
}

// DropSideTableHash forgets a side-table hash, called when the object at
// that address dies.
func (c *Context) DropSideTableHash(obj oop.Address) {
	c.hashMu.Lock()
	delete(c.hashes, obj)
	c.hashMu.Unlock()
}

// nextHash produces a non-zero 31-bit identity hash (xorshift).
func (c *Context) nextHash() uint32 {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	return c.nextHashLocked()
}

func (c *Context) nextHashLocked() uint32 {
	for {
		c.hashState ^= c.hashState << 13
		c.hashState ^= c.hashState >> 7
		c.hashState ^= c.hashState << 17
		if h := uint32(c.hashState) & 0x7fffffff; h != oop.NoHash {
			return h
		}
	}
}
