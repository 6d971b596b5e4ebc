// Package waitgroupx provides a wait group with an associated cancelable
// context.
package waitgroupx

import (
	"context"
	"sync"
)

// Group is a thin wrapper around sync.WaitGroup that associates a cancelable
// context with it.
type Group struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// WithContext creates a Group as a child of the given context.
func WithContext(ctx context.Context) Group {
	ctx, cancel := context.WithCancel(ctx)
	return Group{ctx: ctx, cancel: cancel}
}

// Go launches the given function in a goroutine as a member of the group.
func (g *Group) Go(f func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		f(g.ctx)
	}()
}

// Wait for all members of the group to complete.
func (g *Group) Wait() { g.wg.Wait() }

// Cancel the group, without waiting for it to exit.
func (g *Group) Cancel() { g.cancel() }

// Close the group by canceling it and waiting for it.
func (g *Group) Close() {
	g.cancel()
	g.wg.Wait()
}
