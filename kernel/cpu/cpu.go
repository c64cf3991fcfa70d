// Package cpu models the processor state the memory-management core
// touches: the stack pointer, the active page table root (CR3) and the TLB.
package cpu

import "sync/atomic"

// Registers is the register file of a single simulated CPU.
type Registers struct {
	rsp        atomic.Uintptr
	cr3        atomic.Uintptr
	tlbFlushes atomic.Uint64
}

// NewRegisters returns a register file whose stack pointer is set to sp.
func NewRegisters(sp uintptr) *Registers {
	r := &Registers{}
	r.rsp.Store(sp)
	return r
}

// StackPointer returns the value stored in RSP.
func (r *Registers) StackPointer() uintptr {
	return r.rsp.Load()
}

// SetStackPointer loads sp into RSP.
func (r *Registers) SetStackPointer(sp uintptr) {
	r.rsp.Store(sp)
}

// AdjustStackPointer moves RSP by delta bytes. A negative delta moves the
// stack pointer to a lower address.
func (r *Registers) AdjustStackPointer(delta int64) {
	if delta >= 0 {
		r.rsp.Add(uintptr(delta))
		return
	}
	r.rsp.Add(^uintptr(-delta - 1))
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (r *Registers) FlushTLBEntry(_ uintptr) {
	r.tlbFlushes.Add(1)
}

// TLBFlushes returns the number of TLB entries flushed so far.
func (r *Registers) TLBFlushes() uint64 {
	return r.tlbFlushes.Load()
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (r *Registers) SwitchPDT(pdtPhysAddr uintptr) {
	r.cr3.Store(pdtPhysAddr)
	r.tlbFlushes.Add(1)
}

// ActivePDT returns the physical address of the currently active page table.
func (r *Registers) ActivePDT() uintptr {
	return r.cr3.Load()
}

// Halt stops instruction execution. The hosted build unwinds the calling
// goroutine with reason as the panic value; Halt never returns.
func Halt(reason error) {
	panic(reason)
}
