package coresight

import (
	"github.com/sirupsen/logrus"

	"tracescope/internal/region"
)

// dwtPayloadSize maps the header size field to the captured payload size in
// bytes.
var dwtPayloadSize = [4]int{1, 2, 4, 4}

// validDWTDiscriminator reports whether header bits 7:3 name a recognised
// DWT hardware source: event counter, exception trace, PC sample, data
// trace PC or data trace address.
func validDWTDiscriminator(disc uint8) bool {
	switch disc {
	case 0x00, 0x01, 0x02, 0x03, 0x0E, 0x0F:
		return true
	}
	return false
}

// Decoder drains the ETB circular buffer and decodes the DWT/ITM packet
// stream into per-region payloads. RegionFor routes a captured comparator
// number back to its owning region via the assignment table.
type Decoder struct {
	io        RegisterIO
	regs      RegisterMap
	RegionFor func(comp int) (*region.MemoryRegion, bool)

	bufferSize int

	log *logrus.Entry
}

// NewDecoder creates a decoder for an ETB of bufferSize bytes.
func NewDecoder(io RegisterIO, regs RegisterMap, bufferSize int, regionFor func(int) (*region.MemoryRegion, bool), log *logrus.Entry) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Decoder{
		io:         io,
		regs:       regs,
		RegionFor:  regionFor,
		bufferSize: bufferSize,
		log:        log,
	}
}

// ReadBuffer drains the trace data accumulated in the ETB since the last
// drain. The read pointer is advanced to the write pointer regardless of
// what the decode later makes of the bytes. A failed RAM read aborts the
// drain for this cycle with an error; the cycle is then treated as empty,
// never fatal.
func (d *Decoder) ReadBuffer() ([]byte, error) {
	sts := d.io.ReadRegister(d.regs.ETBSTS)
	if sts&0x1 == 0 {
		return nil, nil
	}

	// Pointers are word addressed.
	rrp := d.io.ReadRegister(d.regs.ETBRRP)
	rwp := d.io.ReadRegister(d.regs.ETBRWP)
	if rrp == rwp {
		return nil, nil
	}

	bufferWords := uint32(d.bufferSize / 4)
	if rwp > bufferWords {
		d.log.Warnf("ETB write pointer %d outside the %d word buffer, skipping drain", rwp, bufferWords)
		return nil, nil
	}
	var stream []byte

	if rwp > rrp {
		data, err := d.io.ReadMemory(d.regs.ETBRAM+uint64(rrp)*4, int(rwp-rrp)*4)
		if err != nil {
			return nil, err
		}
		stream = data
	} else {
		// Wrapped: tail of the buffer first, then the head up to the
		// write pointer. A read pointer past the depth has no tail; only
		// the head words are drained.
		if rrp < bufferWords {
			chunk, err := d.io.ReadMemory(d.regs.ETBRAM+uint64(rrp)*4, int(bufferWords-rrp)*4)
			if err != nil {
				return nil, err
			}
			stream = append(stream, chunk...)
		}
		if rwp > 0 {
			chunk, err := d.io.ReadMemory(d.regs.ETBRAM, int(rwp)*4)
			if err != nil {
				return nil, err
			}
			stream = append(stream, chunk...)
		}
	}

	// Mark consumed.
	if err := d.io.WriteRegister(d.regs.ETBRRP, rwp); err != nil {
		d.log.Warnf("failed to advance ETB read pointer: %v", err)
	}
	return stream, nil
}

// ParsePackets scans a drained trace stream left to right, one header byte
// per iteration, and collects complete region payloads keyed by region
// name. The scan never moves the cursor backward: every iteration consumes
// at least the header byte, so any finite input terminates.
func (d *Decoder) ParsePackets(stream []byte) map[string][][]byte {
	payloads := make(map[string][][]byte)

	offset := 0
	for offset < len(stream) {
		header := stream[offset]
		offset++

		switch {
		case header == 0x00:
			// Idle byte.

		case header == 0x80:
			// Synchronisation sequence: swallow the trailing zeros.
			for offset < len(stream) && stream[offset] == 0x00 {
				offset++
			}

		case header&0xF0 == 0xC0 || header&0xF0 == 0x70:
			// Timestamp or overflow. Payload length is not modelled, so
			// only the header is consumed.
			if header == 0x70 {
				d.log.Warn("trace buffer overflow detected")
			}

		case header&0x04 != 0:
			// DWT hardware source packet.
			n, stop := d.parseDWT(header, stream, offset, payloads)
			if stop {
				return payloads
			}
			offset += n

		case header&0x01 != 0:
			// ITM stimulus packet. The payload is consumed but not yet
			// routed to a region; reserved for software trace mapping.
			offset += parseStimulus(header, len(stream)-offset)

		default:
			// Unrecognised header, keep scanning from the next byte.
		}
	}
	return payloads
}

// parseDWT decodes one DWT hardware source packet whose header has already
// been consumed. It returns the number of payload bytes consumed and
// whether the scan must stop because the packet's payload runs past the end
// of the drained stream (retried on the next drain cycle).
func (d *Decoder) parseDWT(header byte, stream []byte, offset int, payloads map[string][][]byte) (consumed int, stop bool) {
	disc := (header >> 3) & 0x1F
	if !validDWTDiscriminator(disc) {
		// Unparseable: advance past the header only.
		return 0, false
	}

	size := dwtPayloadSize[header&0x03]
	if offset+size > len(stream) {
		return 0, true
	}

	comp := int(header & 0x03)
	r, ok := d.RegionFor(comp)
	if !ok {
		// Captured value for an unassigned comparator: consume and drop.
		return size, false
	}

	need := r.ByteCount()
	payload := stream[offset : offset+size]
	consumed = size
	if len(payload) < need {
		// Best effort reassembly of a value split across packets: extend
		// with the immediately following bytes when available.
		if offset+need <= len(stream) {
			payload = stream[offset : offset+need]
			consumed = need
		}
	}

	if len(payload) >= need {
		payloads[r.Name] = append(payloads[r.Name], payload[:need])
	}
	return consumed, false
}

// parseStimulus works out how many payload bytes an ITM stimulus packet
// consumes. Size field 0b11 is reserved; a reserved or truncated packet
// consumes nothing beyond its header.
func parseStimulus(header byte, remaining int) int {
	sizeField := (header >> 1) & 0x03
	if sizeField == 0x03 {
		return 0
	}
	size := [3]int{1, 2, 4}[sizeField]
	if size > remaining {
		return 0
	}
	return size
}
