package coresight

import (
	"fmt"
	"math/bits"

	"github.com/cesanta/errors"
	"github.com/sirupsen/logrus"

	"tracescope/internal/region"
)

const (
	// MaxComparators is the number of DWT comparators on typical Cortex-M
	// parts. Regions beyond this limit stay on the polling path.
	MaxComparators = 4

	// DefaultBufferSize is the assumed ETB capacity in bytes when depth
	// detection fails or reports a nonsensical value.
	DefaultBufferSize = 2048

	// maxDepthWords rejects mis-detected ETB depths (256KB cap).
	maxDepthWords = 0x10000
)

// ConfigError reports a failed hardware configuration step. It degrades
// trace mode to polling for the whole session; it is never fatal.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("trace hardware configuration failed at %s: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configurator converts the polling acquisition model into a hardware
// triggered one by programming the DWT, ITM, TPIU and ETB registers over
// the transport.
type Configurator struct {
	io   RegisterIO
	regs RegisterMap

	bufferSize  int
	assignments map[int]string // comparator index -> region name

	log *logrus.Entry
}

// NewConfigurator creates a configurator over the given transport and
// register map.
func NewConfigurator(io RegisterIO, regs RegisterMap, log *logrus.Entry) *Configurator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Configurator{
		io:          io,
		regs:        regs,
		bufferSize:  DefaultBufferSize,
		assignments: make(map[int]string),
		log:         log,
	}
}

// BufferSize returns the detected or defaulted ETB capacity in bytes.
func (c *Configurator) BufferSize() int { return c.bufferSize }

// Assignment returns the region name a comparator index is routed to.
func (c *Configurator) Assignment(comp int) (string, bool) {
	name, ok := c.assignments[comp]
	return name, ok
}

// DetectBufferSize reads the ETB depth register and accepts the value only
// when it is plausible, falling back to DefaultBufferSize otherwise. The
// result is remembered for ReadBuffer sizing.
func (c *Configurator) DetectBufferSize() int {
	depthWords := c.io.ReadRegister(c.regs.ETBRWD)
	if depthWords > 0 && depthWords < maxDepthWords {
		c.bufferSize = int(depthWords) * 4
		c.log.Infof("ETB buffer size detected: %d bytes (%d words)", c.bufferSize, depthWords)
	} else {
		c.bufferSize = DefaultBufferSize
		c.log.Warnf("ETB depth register returned invalid value %d, using default %d bytes", depthWords, c.bufferSize)
	}
	return c.bufferSize
}

// ConfigureInfrastructure programs the trace path end to end. The write
// order matters: sources are enabled before the sink, and the sink's
// pointers are reset before it is enabled last. Any failed write aborts
// with a ConfigError and the caller must stay on pure polling.
func (c *Configurator) ConfigureInfrastructure() error {
	c.DetectBufferSize()

	// DWT cycle counter on.
	ctrl := c.io.ReadRegister(c.regs.DWTCtrl)
	if err := c.io.WriteRegister(c.regs.DWTCtrl, ctrl|0x1); err != nil {
		return &ConfigError{Step: "DWT control", Err: errors.Trace(err)}
	}

	// ITM enabled with all stimulus ports.
	if err := c.io.WriteRegister(c.regs.ITMTCR, 0x00010005); err != nil {
		return &ConfigError{Step: "ITM trace control", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.ITMTER, 0xFFFFFFFF); err != nil {
		return &ConfigError{Step: "ITM stimulus enables", Err: errors.Trace(err)}
	}

	// TPIU: NRZ encoding, no prescale, continuous formatting.
	if err := c.io.WriteRegister(c.regs.TPIUSPPR, 0x00000002); err != nil {
		return &ConfigError{Step: "TPIU pin protocol", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.TPIUACPR, 0); err != nil {
		return &ConfigError{Step: "TPIU prescaler", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.TPIUFFCR, 0x00000100); err != nil {
		return &ConfigError{Step: "TPIU formatter", Err: errors.Trace(err)}
	}

	// ETB sink: disable, clear formatter, reset pointers, enable last.
	if err := c.io.WriteRegister(c.regs.ETBCTL, 0x00000000); err != nil {
		return &ConfigError{Step: "ETB disable", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.ETBFFCR, 0x00000000); err != nil {
		return &ConfigError{Step: "ETB formatter", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.ETBRWP, 0); err != nil {
		return &ConfigError{Step: "ETB write pointer", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.ETBRRP, 0); err != nil {
		return &ConfigError{Step: "ETB read pointer", Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(c.regs.ETBCTL, 0x00000001); err != nil {
		return &ConfigError{Step: "ETB enable", Err: errors.Trace(err)}
	}

	c.log.Info("trace infrastructure configured")
	return nil
}

// comparatorMask derives the DWT address mask from a region's width. For a
// region of B bytes the mask is max(0, floor(log2(B))-1) when B > 1, else 0.
// The range is wide enough to catch any byte of a multi-byte region and may
// also trigger on adjacent addresses.
func comparatorMask(byteCount int) uint32 {
	if byteCount <= 1 {
		return 0
	}
	mask := bits.Len(uint(byteCount)) - 2 // floor(log2(B)) - 1
	if mask < 0 {
		mask = 0
	}
	return uint32(mask)
}

// ConfigureComparator programs one DWT comparator to capture data values on
// any read or write of the region's address and records the routing in the
// assignment table. Indices at or beyond MaxComparators are refused and
// never registered.
func (c *Configurator) ConfigureComparator(comp int, r *region.MemoryRegion) error {
	if comp < 0 || comp >= MaxComparators {
		return &ConfigError{
			Step: fmt.Sprintf("comparator %d", comp),
			Err:  errors.Errorf("only %d DWT comparators available", MaxComparators),
		}
	}

	compAddr := c.regs.DWTComp0 + uint64(comp)*comparatorStride
	maskAddr := c.regs.DWTMask0 + uint64(comp)*comparatorStride
	funcAddr := c.regs.DWTFunc0 + uint64(comp)*comparatorStride

	if err := c.io.WriteRegister(compAddr, uint32(r.Address)); err != nil {
		return &ConfigError{Step: fmt.Sprintf("comparator %d address", comp), Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(maskAddr, comparatorMask(r.ByteCount())); err != nil {
		return &ConfigError{Step: fmt.Sprintf("comparator %d mask", comp), Err: errors.Trace(err)}
	}
	if err := c.io.WriteRegister(funcAddr, FuncDataValueRW); err != nil {
		return &ConfigError{Step: fmt.Sprintf("comparator %d function", comp), Err: errors.Trace(err)}
	}

	c.assignments[comp] = r.Name
	c.log.Infof("DWT comparator %d configured for %s at 0x%08X", comp, r.Name, r.Address)
	return nil
}

// Teardown disables every assigned comparator's trigger function and the
// ETB sink, then clears the assignment table. Writes are best effort: it is
// safe to call even when configuration never fully completed.
func (c *Configurator) Teardown() {
	for comp := range c.assignments {
		funcAddr := c.regs.DWTFunc0 + uint64(comp)*comparatorStride
		if err := c.io.WriteRegister(funcAddr, FuncDisabled); err != nil {
			c.log.Warnf("failed to disable comparator %d: %v", comp, err)
		}
	}
	if err := c.io.WriteRegister(c.regs.ETBCTL, 0x00000000); err != nil {
		c.log.Warnf("failed to disable ETB: %v", err)
	}
	c.assignments = make(map[int]string)
}
