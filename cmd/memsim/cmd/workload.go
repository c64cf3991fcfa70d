package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"kmem/kernel/mem"

	"golang.org/x/sync/errgroup"
)

type (
	workloadOptions struct {
		Workers    int
		Iterations int
		MaxSize    int
		Live       int
		Seed       int64
	}

	workloadResult struct {
		Allocations uint64
		Bytes       uint64
	}

	// heapAllocator is the part of the kernel heap the workload drives.
	heapAllocator interface {
		Alloc(size, align mem.Size) mem.VirtualAddress
		Dealloc(addr mem.VirtualAddress, size mem.Size)
		Read(addr mem.VirtualAddress, buf []byte)
		Write(addr mem.VirtualAddress, data []byte)
	}

	allocation struct {
		addr mem.VirtualAddress
		size int
		fill byte
	}
)

func (o workloadOptions) validate() error {
	var errs []error
	if o.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", flagWorkers))
	}
	if o.Iterations < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", flagIterations))
	}
	if o.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", flagMaxSize))
	}
	if o.Live <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", flagLive))
	}
	return errors.Join(errs...)
}

// runWorkload has every worker allocate blocks of random size and alignment,
// fill them with a worker specific pattern and verify the pattern before
// freeing them.
func runWorkload(ctx context.Context, heap heapAllocator, opts workloadOptions) (workloadResult, error) {
	var allocations, total atomic.Uint64

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < opts.Workers; worker++ {
		worker := worker
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %d: kernel halted: %v", worker, r)
				}
			}()

			rng := rand.New(rand.NewSource(opts.Seed + int64(worker)))
			var live []allocation

			for iteration := 0; iteration < opts.Iterations; iteration++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				size := 1 + rng.Intn(opts.MaxSize)
				align := mem.Size(16) << uint(rng.Intn(4))

				addr := heap.Alloc(mem.Size(size), align)
				if !addr.IsAligned(align) {
					return fmt.Errorf("worker %d: allocation %#x is not %d byte aligned", worker, uint64(addr), align)
				}

				a := allocation{addr: addr, size: size, fill: byte(1 + rng.Intn(255))}
				heap.Write(addr, bytes.Repeat([]byte{a.fill}, size))
				live = append(live, a)
				allocations.Add(1)
				total.Add(uint64(size))

				if len(live) > opts.Live {
					victim := rng.Intn(len(live))
					if err := release(heap, live[victim]); err != nil {
						return fmt.Errorf("worker %d: %w", worker, err)
					}
					live = append(live[:victim], live[victim+1:]...)
				}
			}

			for _, a := range live {
				if err := release(heap, a); err != nil {
					return fmt.Errorf("worker %d: %w", worker, err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return workloadResult{Allocations: allocations.Load(), Bytes: total.Load()}, err
}

// release verifies that a still holds its fill pattern and frees it.
func release(heap heapAllocator, a allocation) error {
	buf := make([]byte, a.size)
	heap.Read(a.addr, buf)
	for index, b := range buf {
		if b != a.fill {
			return fmt.Errorf("allocation %#x corrupted at byte %d: got %#x, want %#x", uint64(a.addr), index, b, a.fill)
		}
	}

	heap.Dealloc(a.addr, mem.Size(a.size))
	return nil
}
