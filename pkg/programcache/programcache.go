// Package programcache implements the Program Cache: a bounded source-key
// to compiled-program cache that deduplicates concurrent compiles of the
// same novel source and forbids evicting a program while any caller still
// holds a reference to it.
//
// Capacity only bounds idle entries (refcount zero); an entry currently
// handed out to one or more callers is kept in a separate unbounded "active"
// set and only becomes eligible for LRU eviction once its last reference is
// released. This is the simplest realization of "retain on handout forbids
// eviction" without reimplementing LRU bookkeeping by hand.
package programcache

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

// SourceKey is the opaque program-source collaborator: it produces its
// source fragments on demand.
type SourceKey interface {
	GenerateSource() []string
}

type entry struct {
	prog handle.Program
	refs int
}

// Cache is a bounded, single-flighted source-key -> Program cache.
type Cache struct {
	ctx       compute.Context
	buildOpts string

	mu      sync.Mutex
	active  map[string]*entry
	waiting map[string]int // Get calls currently resolving key, not yet reflected in refs
	idle    *lru.Cache[string, *entry]
	group   singleflight.Group
}

// New returns a Cache bounded at capacity idle entries, compiling against
// ctx with the given build options.
func New(ctx compute.Context, capacity int, buildOptions string) (*Cache, error) {
	c := &Cache{ctx: ctx, buildOpts: buildOptions, active: make(map[string]*entry), waiting: make(map[string]int)}
	idle, err := lru.NewWithEvict(capacity, func(_ string, e *entry) {
		e.prog.Release()
	})
	if err != nil {
		return nil, err
	}
	c.idle = idle
	return c, nil
}

func keyFor(sk SourceKey) string {
	return strings.Join(sk.GenerateSource(), "\x00")
}

// Get compiles (or reuses a cached compile of) sk's source, builds it if
// necessary, and returns the program plus a release func the caller must
// invoke exactly once when it is done creating kernels from the program.
// Concurrent Get calls for the same novel source-key compile it exactly
// once; all callers receive the same program.
//
// Every Get call registers itself in c.waiting before entering the
// singleflight group and only clears that registration after it has
// recorded its own refs++. singleflight.Do runs its function exactly once
// per key but fans the same result out to every concurrent caller, so refs
// cannot be incremented inside that function — N callers would collapse
// into a single increment while still producing N independent release
// funcs, and the first release would then drop refs to zero and evict the
// entry while other callers were still holding it. Gating eviction on
// waiting==0 as well as refs==0 keeps the entry active until every
// in-flight Get for that key has registered its own reference.
func (c *Cache) Get(sk SourceKey) (compute.Program, func(), error) {
	key := keyFor(sk)

	c.mu.Lock()
	c.waiting[key]++
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.active[key]; ok {
			c.mu.Unlock()
			return e, nil
		}
		if e, ok := c.idle.Get(key); ok {
			// Remove runs the eviction callback registered in New, which
			// releases e.prog; take a retain first so the program survives
			// its move back into the active set.
			kept := e.prog.Clone()
			c.idle.Remove(key)
			e.prog = kept
			c.active[key] = e
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		frags := sk.GenerateSource()
		prog, err := c.ctx.CreateProgramWithSource(frags)
		if err != nil {
			return nil, &compute.DeviceError{Operation: "CreateProgramWithSource", Err: err}
		}
		if err := prog.Build(c.buildOpts); err != nil {
			prog.Release()
			return nil, err
		}

		e := &entry{prog: handle.NewProgram(prog)}
		c.mu.Lock()
		c.active[key] = e
		c.mu.Unlock()
		return e, nil
	})

	c.mu.Lock()
	c.waiting[key]--
	if c.waiting[key] == 0 {
		delete(c.waiting, key)
	}
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	e := v.(*entry)
	e.refs++
	c.mu.Unlock()

	released := false
	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if released {
			return
		}
		released = true
		e.refs--
		if e.refs == 0 && c.waiting[key] == 0 {
			delete(c.active, key)
			c.idle.Add(key, e)
		}
	}
	return e.prog.Get(), release, nil
}

// Close releases every program still held by the cache, active or idle. Not
// safe to call while any Get-returned release func is still outstanding.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.active {
		e.prog.Release()
	}
	c.active = make(map[string]*entry)
	// Purge invokes the eviction callback registered in New for every
	// remaining entry, which releases its program.
	c.idle.Purge()
}
