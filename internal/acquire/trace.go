package acquire

import (
	"math/rand"

	"github.com/sirupsen/logrus"

	"tracescope/internal/coresight"
	"tracescope/internal/region"
)

// DefaultFallbackProbability is the chance an idle trace cycle performs a
// polling read as a backstop against trace under-capture.
const DefaultFallbackProbability = 0.1

// Trace is the hardware assisted strategy: it drains and decodes the ETB
// instead of polling. It holds a Polling strategy for its fallback paths; a
// transient trace error costs one polling cycle, it never disables trace.
type Trace struct {
	dec     *coresight.Decoder
	polling *Polling
	regions map[string]*region.MemoryRegion
	queues  map[string]*Queue

	// fallbackProb and rng are injected so tests can force both the poll
	// and the skip branch deterministically.
	fallbackProb float64
	rng          *rand.Rand

	log *logrus.Entry
}

// NewTrace creates the trace strategy. The decoder must already be bound to
// the configured assignment table; fallback is the polling strategy used
// when trace yields nothing or fails. A nil rng gets a fixed-seed source.
func NewTrace(dec *coresight.Decoder, fallback *Polling, fallbackProb float64, rng *rand.Rand, log *logrus.Entry) *Trace {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	regions := make(map[string]*region.MemoryRegion, len(fallback.regions))
	for _, r := range fallback.regions {
		regions[r.Name] = r
	}
	return &Trace{
		dec:          dec,
		polling:      fallback,
		regions:      regions,
		queues:       fallback.queues,
		fallbackProb: fallbackProb,
		rng:          rng,
		log:          log,
	}
}

// Receive drains the ETB and routes decoded payloads to their regions'
// queues. An empty drain occasionally falls back to one polling read; a
// failed drain falls back to polling for this iteration only.
func (t *Trace) Receive() {
	stream, err := t.dec.ReadBuffer()
	if err != nil {
		t.log.Warnf("trace receive failed, polling this cycle: %v", err)
		t.polling.Receive()
		return
	}

	if len(stream) == 0 {
		// Trace does not catch every change; poll a fraction of the
		// idle cycles.
		if t.rng.Float64() < t.fallbackProb {
			t.polling.Receive()
		}
		return
	}

	for name, payloads := range t.dec.ParsePackets(stream) {
		r, ok := t.regions[name]
		if !ok {
			continue
		}
		for _, payload := range payloads {
			pkt, err := region.NewPacket(r, payload)
			if err != nil {
				// Length disagrees with the region layout; drop the sample.
				t.log.Warnf("trace payload for %s dropped: %v", name, err)
				continue
			}
			t.queues[name].Push(pkt)
		}
	}
}
