// Package smp coordinates application processors with the bootstrap
// processor.
package smp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrTooManyArrivals = errors.New("more processors arrived than expected")
	ErrReleased        = errors.New("rendezvous already released")
)

// Rendezvous is a one-shot barrier. Every AP calls Arrive and parks; the BSP
// calls Release with the continuation, which runs once on each AP. Release
// returns after every AP has finished it.
type Rendezvous struct {
	expected int32
	arrived  atomic.Int32
	ready    atomic.Int32

	mu       sync.Mutex
	cond     *sync.Cond
	released bool
	fn       func(cpu int) error
	abort    error
	errs     []error
}

// NewRendezvous returns a barrier for expected APs.
func NewRendezvous(expected int) *Rendezvous {
	r := &Rendezvous{expected: int32(expected)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Expected returns the number of APs the barrier waits for.
func (r *Rendezvous) Expected() int { return int(r.expected) }

// Arrived returns the number of APs parked or past the barrier.
func (r *Rendezvous) Arrived() int { return int(r.arrived.Load()) }

// Ready returns the number of APs that finished the continuation.
func (r *Rendezvous) Ready() int { return int(r.ready.Load()) }

// Arrive parks the calling AP until Release, then runs the continuation.
func (r *Rendezvous) Arrive(cpu int) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return ErrReleased
	}
	if r.arrived.Add(1) > r.expected {
		r.mu.Unlock()
		return fmt.Errorf("%w: cpu %d", ErrTooManyArrivals, cpu)
	}
	r.cond.Broadcast()
	for !r.released && r.abort == nil {
		r.cond.Wait()
	}
	if !r.released {
		err := r.abort
		r.mu.Unlock()
		return err
	}
	fn := r.fn
	r.mu.Unlock()

	err := fn(cpu)

	r.mu.Lock()
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("cpu %d: %w", cpu, err))
	}
	r.ready.Add(1)
	r.cond.Broadcast()
	r.mu.Unlock()
	return err
}

// Release waits for every AP to arrive, hands them fn and waits until all of
// them have run it. Errors from the APs are joined.
func (r *Rendezvous) Release(fn func(cpu int) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	for r.arrived.Load() < r.expected && r.abort == nil {
		r.cond.Wait()
	}
	if r.abort != nil {
		return r.abort
	}
	r.fn = fn
	r.released = true
	r.cond.Broadcast()
	for r.ready.Load() < r.expected {
		r.cond.Wait()
	}
	return errors.Join(r.errs...)
}

// Abort fails the barrier for everyone still waiting to be released. It has
// no effect once Release has handed out the continuation.
func (r *Rendezvous) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || r.abort != nil {
		return
	}
	r.abort = err
	r.cond.Broadcast()
}

// Group tracks APs started by StartAPs.
type Group struct {
	g    *errgroup.Group
	stop func() bool
}

// Wait blocks until every AP goroutine has returned.
func (g *Group) Wait() error {
	err := g.g.Wait()
	g.stop()
	return err
}

// StartAPs starts count APs numbered from 1. Each runs initAP, when set, and
// then parks on r. A failing AP or a cancelled ctx aborts the barrier.
func StartAPs(ctx context.Context, count int, r *Rendezvous, initAP func(ctx context.Context, cpu int) error) *Group {
	stop := context.AfterFunc(ctx, func() { r.Abort(ctx.Err()) })
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 1; cpu <= count; cpu++ {
		cpu := cpu
		g.Go(func() error {
			if initAP != nil {
				if err := initAP(gctx, cpu); err != nil {
					err = fmt.Errorf("cpu %d: %w", cpu, err)
					r.Abort(err)
					return err
				}
			}
			return r.Arrive(cpu)
		})
	}
	return &Group{g: g, stop: stop}
}
