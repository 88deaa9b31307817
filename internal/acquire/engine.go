package acquire

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tracescope/internal/coresight"
	"tracescope/internal/gdbrsp"
	"tracescope/internal/region"
)

// Mode selects the acquisition strategy at startup.
type Mode int

const (
	// ModePolling reads every region over the wire each cycle.
	ModePolling Mode = iota
	// ModeTrace captures region accesses in hardware, degrading to
	// polling when the trace infrastructure cannot be configured.
	ModeTrace
)

// DefaultInterval is the pause between receive iterations.
const DefaultInterval = time.Millisecond

// Transport is what the engine needs from a probe connection.
type Transport interface {
	MemoryReader
	ReadRegister(address uint64) uint32
	WriteRegister(address uint64, value uint32) error
	Close() error
}

// Options configures an Engine. The zero value of every field has a usable
// default.
type Options struct {
	Host string
	Port int
	Mode Mode

	// Interval is the pause between receive iterations; the worker's
	// cadence is this plus the time the receive step itself takes.
	Interval time.Duration

	// RequestTimeout bounds each wire exchange.
	RequestTimeout time.Duration

	// FallbackProbability is the chance an idle trace cycle polls anyway.
	// Zero means DefaultFallbackProbability; a negative value disables the
	// fallback poll entirely.
	FallbackProbability float64

	// Registers overrides the CoreSight register map.
	Registers *coresight.RegisterMap

	// Rand seeds the fallback probability draws; injectable so tests can
	// force both branches.
	Rand *rand.Rand

	// Dial overrides how the transport is opened, for tests and for
	// probes that are not plain gdb servers.
	Dial func() (Transport, error)

	// Sleep overrides the inter-iteration pause, so tests can drive the
	// worker with a virtual clock.
	Sleep func(time.Duration)

	Log *logrus.Entry
}

// Engine owns the transport, the region set, the per-region queues and the
// background worker that feeds them.
type Engine struct {
	opts    Options
	regions []*region.MemoryRegion
	queues  map[string]*Queue

	conn     Transport
	cfg      *coresight.Configurator // non-nil once trace hardware is configured
	strategy Strategy

	stopc    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log *logrus.Entry
}

// New creates an engine for the given regions. Queues exist from this point
// on, so consumers may look them up before Start.
func New(regions []*region.MemoryRegion, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FallbackProbability == 0 {
		opts.FallbackProbability = DefaultFallbackProbability
	} else if opts.FallbackProbability < 0 {
		opts.FallbackProbability = 0
	}
	if opts.Registers == nil {
		regs := coresight.DefaultRegisterMap
		opts.Registers = &regs
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "acquire")
	}

	queues := make(map[string]*Queue, len(regions))
	for _, r := range regions {
		queues[r.Name] = &Queue{}
	}
	return &Engine{
		opts:    opts,
		regions: regions,
		queues:  queues,
		stopc:   make(chan struct{}),
		log:     opts.Log,
	}
}

// Regions returns the configured region set.
func (e *Engine) Regions() []*region.MemoryRegion { return e.regions }

// Queue returns the delivery queue for a region name, or nil if the region
// is unknown.
func (e *Engine) Queue(name string) *Queue { return e.queues[name] }

// Start connects the transport, configures trace hardware when requested
// and launches the worker. A connection failure is fatal and returned; a
// trace configuration failure only degrades the session to polling.
func (e *Engine) Start() error {
	dial := e.opts.Dial
	if dial == nil {
		dial = func() (Transport, error) {
			return gdbrsp.Dial(e.opts.Host, e.opts.Port, e.opts.RequestTimeout, e.log)
		}
	}
	conn, err := dial()
	if err != nil {
		return err
	}
	e.conn = conn

	if cpuid := conn.ReadRegister(e.opts.Registers.CPUID); cpuid != 0 {
		e.log.Infof("target identified: %s", coresight.TargetName(cpuid))
	}

	polling := NewPolling(conn, e.regions, e.queues, e.log)
	e.strategy = polling

	if e.opts.Mode == ModeTrace {
		e.configureTrace(conn, polling)
	}

	e.wg.Add(1)
	go e.run()
	return nil
}

// configureTrace programs the trace hardware and swaps the strategy. Any
// failure leaves the engine on pure polling.
func (e *Engine) configureTrace(conn Transport, polling *Polling) {
	cfg := coresight.NewConfigurator(conn, *e.opts.Registers, e.log)
	if err := cfg.ConfigureInfrastructure(); err != nil {
		e.log.Warnf("trace infrastructure configuration failed, falling back to polling: %v", err)
		return
	}

	for idx, r := range e.regions {
		if idx >= coresight.MaxComparators {
			e.log.Warnf("only %d DWT comparators available, %s stays on the polling path",
				coresight.MaxComparators, r.Name)
			continue
		}
		if err := cfg.ConfigureComparator(idx, r); err != nil {
			e.log.Warnf("comparator %d configuration failed, %s stays on the polling path: %v", idx, r.Name, err)
		}
	}

	byName := make(map[string]*region.MemoryRegion, len(e.regions))
	for _, r := range e.regions {
		byName[r.Name] = r
	}
	regionFor := func(comp int) (*region.MemoryRegion, bool) {
		name, ok := cfg.Assignment(comp)
		if !ok {
			return nil, false
		}
		r, ok := byName[name]
		return r, ok
	}

	dec := coresight.NewDecoder(conn, *e.opts.Registers, cfg.BufferSize(), regionFor, e.log)
	e.strategy = NewTrace(dec, polling, e.opts.FallbackProbability, e.opts.Rand, e.log)
	e.cfg = cfg
}

// run is the worker loop. Cancellation is cooperative: a receive in flight
// finishes before the loop observes the stop signal.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopc:
			return
		default:
		}
		e.strategy.Receive()
		e.opts.Sleep(e.opts.Interval)
	}
}

// Stop signals the worker, waits for it to exit, tears down trace hardware
// if it was configured and closes the transport. It is idempotent and safe
// to call after a failed Start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopc)
		e.wg.Wait()
		if e.cfg != nil {
			e.cfg.Teardown()
			e.cfg = nil
		}
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
	})
}
