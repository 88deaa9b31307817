// Package acquire drives live acquisition of memory region values from a
// debug probe server: a background worker repeatedly invokes the active
// strategy's receive step and deposits decoded packets into per-region
// queues consumed by the UI.
package acquire

import (
	"github.com/sirupsen/logrus"

	"tracescope/internal/region"
)

// MemoryReader is the part of the transport the polling strategy needs.
type MemoryReader interface {
	ReadMemory(address uint64, length int) ([]byte, error)
}

// Strategy is one acquisition step. Implementations isolate per-region and
// per-packet failures internally; a failed cycle never propagates.
type Strategy interface {
	Receive()
}

// Polling is the baseline strategy: one memory read per configured region
// per cycle. Pacing between cycles is the engine's responsibility.
type Polling struct {
	conn    MemoryReader
	regions []*region.MemoryRegion
	queues  map[string]*Queue

	log *logrus.Entry
}

// NewPolling creates the polling strategy over the given transport, region
// set and delivery queues.
func NewPolling(conn MemoryReader, regions []*region.MemoryRegion, queues map[string]*Queue, log *logrus.Entry) *Polling {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Polling{conn: conn, regions: regions, queues: queues, log: log}
}

// Receive reads every region once. A single region's failure is logged and
// skipped; it never aborts the cycle for the others.
func (p *Polling) Receive() {
	for _, r := range p.regions {
		data, err := p.conn.ReadMemory(r.Address, r.ByteCount())
		if err != nil {
			p.log.Warnf("poll of %s failed: %v", r.Name, err)
			continue
		}
		if len(data) != r.ByteCount() {
			// Server refused the read; nothing to deliver this cycle.
			continue
		}
		pkt, err := region.NewPacket(r, data)
		if err != nil {
			p.log.Warnf("poll of %s produced a bad payload: %v", r.Name, err)
			continue
		}
		p.queues[r.Name].Push(pkt)
	}
}
