package vision

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// TargetCatalog owns up to Params.MaxTargets processed ReferenceTargets,
// in insertion order, with one designated active target. Active is UI
// focus only — per the open-question resolution in DESIGN.md, it never
// constrains which targets the tracker considers during detection.
type TargetCatalog struct {
	mu      sync.RWMutex
	order   []string
	targets map[string]*ReferenceTarget
	active  string
	maxCap  int
}

func NewTargetCatalog(maxTargets int) *TargetCatalog {
	if maxTargets <= 0 {
		maxTargets = 20
	}
	return &TargetCatalog{
		targets: make(map[string]*ReferenceTarget),
		maxCap:  maxTargets,
	}
}

// Add prepares image as a new target and inserts it, rejecting if the
// catalog is already at capacity or preparation fails. Preparation is
// synchronous; the caller controls threading and must not call Add
// concurrently with tracking against this catalog.
func (c *TargetCatalog) Add(id, name string, image gocv.Mat, opts PrepareOpts, pool *ResourcePool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) >= c.maxCap {
		return ErrCatalogFull
	}
	if _, exists := c.targets[id]; exists {
		return fmt.Errorf("vision: target id %q already present", id)
	}

	target := &ReferenceTarget{ID: id, Name: name}
	if err := target.Prepare(image, opts, pool); err != nil {
		return err
	}

	c.targets[id] = target
	c.order = append(c.order, id)
	if c.active == "" {
		c.active = id
	}
	return nil
}

// Remove deletes a target by id. If it was the active target, the first
// remaining member (in insertion order) is promoted, or Active becomes ""
// if none remain.
func (c *TargetCatalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.targets[id]; !ok {
		return false
	}
	delete(c.targets, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.active == id {
		if len(c.order) > 0 {
			c.active = c.order[0]
		} else {
			c.active = ""
		}
	}
	return true
}

// List returns processed targets in insertion order.
func (c *TargetCatalog) List() []*ReferenceTarget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ReferenceTarget, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.targets[id])
	}
	return out
}

func (c *TargetCatalog) Get(id string) (*ReferenceTarget, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targets[id]
	return t, ok
}

func (c *TargetCatalog) SetActive(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targets[id]; !ok {
		return ErrTargetNotFound
	}
	c.active = id
	return nil
}

func (c *TargetCatalog) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Len returns the number of processed targets currently in the catalog.
func (c *TargetCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

func (c *TargetCatalog) MaxTargets() int {
	return c.maxCap
}
