package coresight

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tracescope/internal/region"
)

type regWrite struct {
	Addr  uint64
	Value uint32
}

// fakeIO is an in-memory stand-in for the transport. Registers read from
// the regs map, ETB RAM reads come from the ram slice based at ramBase, and
// every register write is recorded in order.
type fakeIO struct {
	regs    map[uint64]uint32
	ram     []byte
	ramBase uint64

	writes     []regWrite
	failWrites map[uint64]bool
	failReads  bool
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		regs:       make(map[uint64]uint32),
		ramBase:    DefaultRegisterMap.ETBRAM,
		failWrites: make(map[uint64]bool),
	}
}

func (f *fakeIO) ReadMemory(address uint64, length int) ([]byte, error) {
	if f.failReads {
		return nil, fmt.Errorf("read of 0x%x failed", address)
	}
	off := int(address - f.ramBase)
	if off < 0 || off+length > len(f.ram) {
		return nil, fmt.Errorf("read of 0x%x,%d outside fake RAM", address, length)
	}
	return f.ram[off : off+length], nil
}

func (f *fakeIO) ReadRegister(address uint64) uint32 {
	return f.regs[address]
}

func (f *fakeIO) WriteRegister(address uint64, value uint32) error {
	if f.failWrites[address] {
		return fmt.Errorf("write of 0x%x refused", address)
	}
	f.writes = append(f.writes, regWrite{Addr: address, Value: value})
	f.regs[address] = value
	return nil
}

func TestDetectBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		depth uint32
		want  int
	}{
		{name: "plausible depth", depth: 512, want: 2048},
		{name: "zero depth falls back", depth: 0, want: DefaultBufferSize},
		{name: "absurd depth falls back", depth: 0x10000, want: DefaultBufferSize},
		{name: "just under the cap", depth: 0xFFFF, want: 0xFFFF * 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			io := newFakeIO()
			io.regs[DefaultRegisterMap.ETBRWD] = tt.depth
			c := NewConfigurator(io, DefaultRegisterMap, nil)

			if got := c.DetectBufferSize(); got != tt.want {
				t.Errorf("DetectBufferSize() = %d, want %d", got, tt.want)
			}
			if c.BufferSize() != tt.want {
				t.Errorf("BufferSize() = %d, want %d", c.BufferSize(), tt.want)
			}
		})
	}
}

func TestConfigureInfrastructureWriteOrder(t *testing.T) {
	io := newFakeIO()
	io.regs[DefaultRegisterMap.DWTCtrl] = 0x40000000
	c := NewConfigurator(io, DefaultRegisterMap, nil)

	if err := c.ConfigureInfrastructure(); err != nil {
		t.Fatal(err)
	}

	m := DefaultRegisterMap
	want := []regWrite{
		{Addr: m.DWTCtrl, Value: 0x40000001}, // cycle counter on, other bits kept
		{Addr: m.ITMTCR, Value: 0x00010005},
		{Addr: m.ITMTER, Value: 0xFFFFFFFF},
		{Addr: m.TPIUSPPR, Value: 0x00000002},
		{Addr: m.TPIUACPR, Value: 0},
		{Addr: m.TPIUFFCR, Value: 0x00000100},
		{Addr: m.ETBCTL, Value: 0},
		{Addr: m.ETBFFCR, Value: 0},
		{Addr: m.ETBRWP, Value: 0},
		{Addr: m.ETBRRP, Value: 0},
		{Addr: m.ETBCTL, Value: 1}, // sink enabled last
	}
	if diff := cmp.Diff(want, io.writes); diff != "" {
		t.Errorf("register write sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigureInfrastructureFailureStopsSequence(t *testing.T) {
	io := newFakeIO()
	io.failWrites[DefaultRegisterMap.TPIUSPPR] = true
	c := NewConfigurator(io, DefaultRegisterMap, nil)

	err := c.ConfigureInfrastructure()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("ConfigureInfrastructure() error = %v, want *ConfigError", err)
	}

	for _, w := range io.writes {
		if w.Addr == DefaultRegisterMap.ETBCTL {
			t.Errorf("sink was touched after an earlier step failed: %+v", io.writes)
		}
	}
}

func TestComparatorMask(t *testing.T) {
	tests := []struct {
		byteCount int
		want      uint32
	}{
		{byteCount: 1, want: 0},
		{byteCount: 2, want: 0},
		{byteCount: 3, want: 0},
		{byteCount: 4, want: 1},
		{byteCount: 8, want: 2},
		{byteCount: 16, want: 3},
		{byteCount: 36, want: 4},
	}
	for _, tt := range tests {
		if got := comparatorMask(tt.byteCount); got != tt.want {
			t.Errorf("comparatorMask(%d) = %d, want %d", tt.byteCount, got, tt.want)
		}
	}
}

func mustRegion(t *testing.T, addr uint64, desc, name string) *region.MemoryRegion {
	t.Helper()
	r, err := region.New(addr, desc, name)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestConfigureComparator(t *testing.T) {
	io := newFakeIO()
	c := NewConfigurator(io, DefaultRegisterMap, nil)
	r := mustRegion(t, 0x20000100, "<I", "counter")

	if err := c.ConfigureComparator(1, r); err != nil {
		t.Fatal(err)
	}

	m := DefaultRegisterMap
	want := []regWrite{
		{Addr: m.DWTComp0 + 0x10, Value: 0x20000100},
		{Addr: m.DWTMask0 + 0x10, Value: 1}, // 4 byte region
		{Addr: m.DWTFunc0 + 0x10, Value: FuncDataValueRW},
	}
	if diff := cmp.Diff(want, io.writes); diff != "" {
		t.Errorf("comparator write sequence mismatch (-want +got):\n%s", diff)
	}

	name, ok := c.Assignment(1)
	if !ok || name != "counter" {
		t.Errorf("Assignment(1) = %q, %v; want %q, true", name, ok, "counter")
	}
}

func TestConfigureComparatorBeyondLimit(t *testing.T) {
	io := newFakeIO()
	c := NewConfigurator(io, DefaultRegisterMap, nil)
	r := mustRegion(t, 0x20000000, "<I", "extra")

	err := c.ConfigureComparator(MaxComparators, r)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("ConfigureComparator(%d) error = %v, want *ConfigError", MaxComparators, err)
	}
	if len(io.writes) != 0 {
		t.Errorf("comparator beyond limit wrote registers: %+v", io.writes)
	}
	if _, ok := c.Assignment(MaxComparators); ok {
		t.Error("comparator beyond limit was registered in the assignment table")
	}
}

func TestTeardown(t *testing.T) {
	io := newFakeIO()
	c := NewConfigurator(io, DefaultRegisterMap, nil)
	if err := c.ConfigureComparator(0, mustRegion(t, 0x20000000, "<B", "a")); err != nil {
		t.Fatal(err)
	}
	if err := c.ConfigureComparator(2, mustRegion(t, 0x20000010, "<f", "b")); err != nil {
		t.Fatal(err)
	}
	io.writes = nil

	c.Teardown()

	gotFunc := make(map[uint64]uint32)
	var sinkDisabled bool
	for _, w := range io.writes {
		switch w.Addr {
		case DefaultRegisterMap.ETBCTL:
			sinkDisabled = w.Value == 0
		default:
			gotFunc[w.Addr] = w.Value
		}
	}
	m := DefaultRegisterMap
	wantFunc := map[uint64]uint32{
		m.DWTFunc0:        FuncDisabled,
		m.DWTFunc0 + 0x20: FuncDisabled,
	}
	if diff := cmp.Diff(wantFunc, gotFunc); diff != "" {
		t.Errorf("comparator disable writes mismatch (-want +got):\n%s", diff)
	}
	if !sinkDisabled {
		t.Error("Teardown did not disable the ETB sink")
	}
	if _, ok := c.Assignment(0); ok {
		t.Error("assignment table not cleared by Teardown")
	}
}

func TestTeardownWithoutConfiguration(t *testing.T) {
	io := newFakeIO()
	c := NewConfigurator(io, DefaultRegisterMap, nil)

	// Must not panic and must only touch the sink.
	c.Teardown()
	want := []regWrite{{Addr: DefaultRegisterMap.ETBCTL, Value: 0}}
	if diff := cmp.Diff(want, io.writes); diff != "" {
		t.Errorf("Teardown writes mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetName(t *testing.T) {
	tests := []struct {
		cpuid uint32
		want  string
	}{
		{cpuid: 0x410FC241, want: "ARM Cortex-M4 r0p1"},
		{cpuid: 0x410FC270, want: "ARM Cortex-M7 r0p0"},
		{cpuid: 0x00000000, want: "part 0x000 r0p0"},
	}
	for _, tt := range tests {
		if got := TargetName(tt.cpuid); got != tt.want {
			t.Errorf("TargetName(%#x) = %q, want %q", tt.cpuid, got, tt.want)
		}
	}
}
