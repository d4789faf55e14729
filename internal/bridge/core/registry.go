package core

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Set holds the configured switch instances. Legs are routed to the Core
// whose Core-UUID matches their channel data.
type Set struct {
	mu     sync.RWMutex
	byName map[string]*Core
	order  []*Core
}

// NewSet creates a set from cores. The first core is the default.
func NewSet(cores ...*Core) *Set {
	s := &Set{byName: make(map[string]*Core, len(cores))}
	for _, c := range cores {
		s.byName[c.Name()] = c
		s.order = append(s.order, c)
	}
	return s
}

// Default returns the first configured core, or nil.
func (s *Set) Default() *Core {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.order[0]
}

// Named returns the core configured under name.
func (s *Set) Named(name string) (*Core, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" && len(s.order) > 0 {
		return s.order[0], nil
	}
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCore, name)
	}
	return c, nil
}

// Resolve returns the core whose Core-UUID is coreUUID. A leg from a switch
// whose id is not learned yet is routed to the only core when there is one.
func (s *Set) Resolve(coreUUID string) (*Core, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var unknown []*Core
	for _, c := range s.order {
		id := c.ID()
		if id == coreUUID && id != "" {
			return c, nil
		}
		if id == "" {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) == 1 && coreUUID != "" {
		unknown[0].SetID(coreUUID)
		return unknown[0], nil
	}
	if len(s.order) == 1 {
		return s.order[0], nil
	}
	return nil, fmt.Errorf("%w: Core-UUID %q", ErrUnknownCore, coreUUID)
}

// All returns every core in configuration order.
func (s *Set) All() []*Core {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Core(nil), s.order...)
}

// Run keeps every core's inbound connection up until ctx is done.
func (s *Set) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.All() {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// Close releases every core.
func (s *Set) Close() {
	for _, c := range s.All() {
		c.Close()
	}
}
