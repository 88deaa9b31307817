// Package coresight programs and decodes the ARM Cortex-M CoreSight data
// trace path used for hardware assisted acquisition: DWT comparators
// triggering data-value capture, routed through the ITM and TPIU into an
// Embedded Trace Buffer sink drained over the debug probe.
package coresight

import "fmt"

// RegisterMap holds the memory mapped addresses of the trace infrastructure
// registers. It is constant data: components receive a copy at construction
// and never modify it.
type RegisterMap struct {
	// ETB (Embedded Trace Buffer)
	ETBRAM  uint64 // RAM buffer window
	ETBRDP  uint64 // RAM data port
	ETBSTS  uint64 // status
	ETBRRP  uint64 // RAM read pointer (word addressed)
	ETBRWP  uint64 // RAM write pointer (word addressed)
	ETBTRG  uint64 // trigger counter
	ETBCTL  uint64 // control
	ETBRWD  uint64 // RAM depth, in 32-bit words
	ETBFFCR uint64 // formatter and flush control

	// DWT (Data Watchpoint and Trace)
	DWTCtrl  uint64 // control
	DWTComp0 uint64 // comparator 0 address (+0x10 per comparator)
	DWTMask0 uint64 // comparator 0 mask
	DWTFunc0 uint64 // comparator 0 function

	// TPIU (Trace Port Interface Unit)
	TPIUCSPSR uint64 // current parallel port size
	TPIUACPR  uint64 // async clock prescaler
	TPIUSPPR  uint64 // selected pin protocol
	TPIUFFCR  uint64 // formatter and flush control

	// ITM (Instrumentation Trace Macrocell)
	ITMTCR uint64 // trace control
	ITMTER uint64 // stimulus port enables

	// CPUID identification register, read once at startup to name the part.
	CPUID uint64
}

// DefaultRegisterMap holds the fixed CoreSight addresses of the Cortex-M
// private peripheral bus.
var DefaultRegisterMap = RegisterMap{
	ETBRAM:  0xE0042000,
	ETBRDP:  0xE0042004,
	ETBSTS:  0xE0042008,
	ETBRRP:  0xE004200C,
	ETBRWP:  0xE0042010,
	ETBTRG:  0xE0042014,
	ETBCTL:  0xE0042020,
	ETBRWD:  0xE0042024,
	ETBFFCR: 0xE0042304,

	DWTCtrl:  0xE0001000,
	DWTComp0: 0xE0001020,
	DWTMask0: 0xE0001024,
	DWTFunc0: 0xE0001028,

	TPIUCSPSR: 0xE0040004,
	TPIUACPR:  0xE0040010,
	TPIUSPPR:  0xE00400F0,
	TPIUFFCR:  0xE0040304,

	ITMTCR: 0xE0000E80,
	ITMTER: 0xE0000E00,

	CPUID: 0xE000ED00,
}

// DWT comparator function register values.
const (
	FuncDisabled    uint32 = 0x0
	FuncDataAddr    uint32 = 0x4 // trace on address match
	FuncDataValueRD uint32 = 0x5 // trace data value on read
	FuncDataValueWR uint32 = 0x6 // trace data value on write
	FuncDataValueRW uint32 = 0x7 // trace data value on read or write
)

// comparator register spacing on the DWT block.
const comparatorStride = 0x10

// RegisterIO is the subset of the transport the trace subsystem needs to
// program registers and drain the sink buffer.
type RegisterIO interface {
	ReadMemory(address uint64, length int) ([]byte, error)
	ReadRegister(address uint64) uint32
	WriteRegister(address uint64, value uint32) error
}

// TargetName decodes the CPUID register into a readable part name, e.g.
// "ARM Cortex-M4 r0p1". Unknown fields are left blank.
func TargetName(cpuid uint32) string {
	vendor := ""
	if cpuid>>24 == 0x41 {
		vendor = "ARM "
	}
	part := ""
	switch (cpuid >> 4) & 0xFFF {
	case 0xC20:
		part = "Cortex-M0"
	case 0xC60:
		part = "Cortex-M0+"
	case 0xC21:
		part = "Cortex-M1"
	case 0xC23:
		part = "Cortex-M3"
	case 0xC24:
		part = "Cortex-M4"
	case 0xC27:
		part = "Cortex-M7"
	default:
		part = fmt.Sprintf("part 0x%03X", (cpuid>>4)&0xFFF)
	}
	return fmt.Sprintf("%s%s r%dp%d", vendor, part, (cpuid>>20)&0xF, cpuid&0xF)
}
