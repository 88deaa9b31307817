package region

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// FieldKind identifies one primitive field within a region layout.
type FieldKind int

const (
	Int8 FieldKind = iota
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

// Size returns the width of the field in bytes.
func (k FieldKind) Size() int {
	switch k {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

func (k FieldKind) String() string {
	switch k {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Format is the parsed, immutable form of a layout descriptor string.
// A descriptor is an optional byte order prefix ('<' little-endian, the
// default, or '>' big-endian) followed by field characters with optional
// decimal repeat counts: b/B h/H i/I q/Q for signed/unsigned integers of
// 1/2/4/8 bytes, f/d for IEEE 754 single/double. Example: "<I8f".
type Format struct {
	desc      string
	order     binary.ByteOrder
	fields    []FieldKind
	byteCount int
}

var fieldChars = map[byte]FieldKind{
	'b': Int8,
	'B': Uint8,
	'h': Int16,
	'H': Uint16,
	'i': Int32,
	'I': Uint32,
	'q': Int64,
	'Q': Uint64,
	'f': Float32,
	'd': Float64,
}

// ParseFormat parses a layout descriptor string.
func ParseFormat(desc string) (Format, error) {
	f := Format{desc: desc, order: binary.LittleEndian}

	s := desc
	if len(s) > 0 {
		switch s[0] {
		case '<':
			s = s[1:]
		case '>':
			f.order = binary.BigEndian
			s = s[1:]
		}
	}

	repeat := 0
	haveRepeat := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			repeat = repeat*10 + int(c-'0')
			haveRepeat = true
			if repeat > 0xFFFF {
				return Format{}, fmt.Errorf("format %q: repeat count too large", desc)
			}
			continue
		}
		kind, ok := fieldChars[c]
		if !ok {
			return Format{}, fmt.Errorf("format %q: unknown field character %q", desc, string(c))
		}
		n := 1
		if haveRepeat {
			if repeat == 0 {
				return Format{}, fmt.Errorf("format %q: zero repeat count", desc)
			}
			n = repeat
		}
		for j := 0; j < n; j++ {
			f.fields = append(f.fields, kind)
			f.byteCount += kind.Size()
		}
		repeat = 0
		haveRepeat = false
	}
	if haveRepeat {
		return Format{}, fmt.Errorf("format %q: trailing repeat count", desc)
	}
	if len(f.fields) == 0 {
		return Format{}, fmt.Errorf("format %q: no fields", desc)
	}
	return f, nil
}

// String returns the original descriptor string.
func (f Format) String() string { return f.desc }

// ByteCount returns the total width of the layout in bytes.
func (f Format) ByteCount() int { return f.byteCount }

// FieldCount returns the number of fields in the layout.
func (f Format) FieldCount() int { return len(f.fields) }

// Order returns the byte order of the layout.
func (f Format) Order() binary.ByteOrder { return f.order }

// FormatMismatchError reports a payload or value set that disagrees with a
// region's declared layout. The offending sample must be dropped, never
// enqueued.
type FormatMismatchError struct {
	Region string
	Detail string
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("format mismatch for region %s: %s", e.Region, e.Detail)
}

// MemoryRegion identifies one value to acquire from the target: a named,
// fixed-layout span of target memory. Regions are constructed once before
// acquisition starts and are immutable thereafter.
type MemoryRegion struct {
	Address uint64
	Format  Format
	Name    string
}

// New creates a region from an address, a layout descriptor string and an
// optional name. An empty name is defaulted from the address.
func New(address uint64, desc string, name string) (*MemoryRegion, error) {
	format, err := ParseFormat(desc)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("Region_0x%X", address)
	}
	return &MemoryRegion{Address: address, Format: format, Name: name}, nil
}

// ByteCount returns the fixed width of the region in bytes.
func (r *MemoryRegion) ByteCount() int { return r.Format.ByteCount() }

// FieldCount returns the number of fields in the region layout.
func (r *MemoryRegion) FieldCount() int { return r.Format.FieldCount() }

// Decode reinterprets payload per the region layout, producing the ordered
// field values. Elements are typed per field kind: int8, uint8, int16,
// uint16, int32, uint32, int64, uint64, float32 or float64.
func (r *MemoryRegion) Decode(payload []byte) ([]any, error) {
	if len(payload) != r.ByteCount() {
		return nil, &FormatMismatchError{
			Region: r.Name,
			Detail: fmt.Sprintf("payload is %d bytes, layout %q needs %d", len(payload), r.Format, r.ByteCount()),
		}
	}
	values := make([]any, 0, r.FieldCount())
	off := 0
	for _, kind := range r.Format.fields {
		b := payload[off : off+kind.Size()]
		switch kind {
		case Int8:
			values = append(values, int8(b[0]))
		case Uint8:
			values = append(values, b[0])
		case Int16:
			values = append(values, int16(r.Format.order.Uint16(b)))
		case Uint16:
			values = append(values, r.Format.order.Uint16(b))
		case Int32:
			values = append(values, int32(r.Format.order.Uint32(b)))
		case Uint32:
			values = append(values, r.Format.order.Uint32(b))
		case Int64:
			values = append(values, int64(r.Format.order.Uint64(b)))
		case Uint64:
			values = append(values, r.Format.order.Uint64(b))
		case Float32:
			values = append(values, math.Float32frombits(r.Format.order.Uint32(b)))
		case Float64:
			values = append(values, math.Float64frombits(r.Format.order.Uint64(b)))
		}
		off += kind.Size()
	}
	return values, nil
}

// Encode packs field values back into raw bytes. It is the exact inverse of
// Decode; a value count or type that disagrees with the layout is a
// FormatMismatchError.
func (r *MemoryRegion) Encode(values []any) ([]byte, error) {
	if len(values) != r.FieldCount() {
		return nil, &FormatMismatchError{
			Region: r.Name,
			Detail: fmt.Sprintf("%d values for layout %q with %d fields", len(values), r.Format, r.FieldCount()),
		}
	}
	payload := make([]byte, 0, r.ByteCount())
	scratch := make([]byte, 8)
	for i, kind := range r.Format.fields {
		ok := true
		switch kind {
		case Int8:
			v, cast := values[i].(int8)
			if cast {
				payload = append(payload, byte(v))
			}
			ok = cast
		case Uint8:
			v, cast := values[i].(uint8)
			if cast {
				payload = append(payload, v)
			}
			ok = cast
		case Int16:
			v, cast := values[i].(int16)
			if cast {
				r.Format.order.PutUint16(scratch, uint16(v))
				payload = append(payload, scratch[:2]...)
			}
			ok = cast
		case Uint16:
			v, cast := values[i].(uint16)
			if cast {
				r.Format.order.PutUint16(scratch, v)
				payload = append(payload, scratch[:2]...)
			}
			ok = cast
		case Int32:
			v, cast := values[i].(int32)
			if cast {
				r.Format.order.PutUint32(scratch, uint32(v))
				payload = append(payload, scratch[:4]...)
			}
			ok = cast
		case Uint32:
			v, cast := values[i].(uint32)
			if cast {
				r.Format.order.PutUint32(scratch, v)
				payload = append(payload, scratch[:4]...)
			}
			ok = cast
		case Int64:
			v, cast := values[i].(int64)
			if cast {
				r.Format.order.PutUint64(scratch, uint64(v))
				payload = append(payload, scratch[:8]...)
			}
			ok = cast
		case Uint64:
			v, cast := values[i].(uint64)
			if cast {
				r.Format.order.PutUint64(scratch, v)
				payload = append(payload, scratch[:8]...)
			}
			ok = cast
		case Float32:
			v, cast := values[i].(float32)
			if cast {
				r.Format.order.PutUint32(scratch, math.Float32bits(v))
				payload = append(payload, scratch[:4]...)
			}
			ok = cast
		case Float64:
			v, cast := values[i].(float64)
			if cast {
				r.Format.order.PutUint64(scratch, math.Float64bits(v))
				payload = append(payload, scratch[:8]...)
			}
			ok = cast
		}
		if !ok {
			return nil, &FormatMismatchError{
				Region: r.Name,
				Detail: fmt.Sprintf("field %d: %T does not match %s", i, values[i], kind),
			}
		}
	}
	return payload, nil
}

// ToDict converts the region to its plain key-value interchange form.
func (r *MemoryRegion) ToDict() map[string]any {
	return map[string]any{
		"address": r.Address,
		"format":  r.Format.String(),
		"name":    r.Name,
	}
}

// FromDict constructs a region from its interchange form. The address may be
// any integer type or a float carrying an integral value; the name key is
// optional.
func FromDict(d map[string]any) (*MemoryRegion, error) {
	addr, err := dictAddress(d["address"])
	if err != nil {
		return nil, err
	}
	desc, ok := d["format"].(string)
	if !ok {
		return nil, fmt.Errorf("region dict: missing or non-string format key")
	}
	name, _ := d["name"].(string)
	return New(addr, desc, name)
}

func dictAddress(v any) (uint64, error) {
	switch a := v.(type) {
	case uint64:
		return a, nil
	case uint32:
		return uint64(a), nil
	case uint:
		return uint64(a), nil
	case int:
		if a < 0 {
			return 0, fmt.Errorf("region dict: negative address %d", a)
		}
		return uint64(a), nil
	case int64:
		if a < 0 {
			return 0, fmt.Errorf("region dict: negative address %d", a)
		}
		return uint64(a), nil
	case float64:
		if a < 0 || a != math.Trunc(a) {
			return 0, fmt.Errorf("region dict: address %v is not an unsigned integer", a)
		}
		return uint64(a), nil
	default:
		return 0, fmt.Errorf("region dict: missing or non-integer address key (%T)", v)
	}
}

// Packet is one decoded observation for a region. The region outlives every
// packet derived from it.
type Packet struct {
	Region *MemoryRegion
	Raw    []byte
}

// NewPacket wraps a raw payload for a region. The payload length must equal
// the region's byte count.
func NewPacket(r *MemoryRegion, raw []byte) (*Packet, error) {
	if len(raw) != r.ByteCount() {
		return nil, &FormatMismatchError{
			Region: r.Name,
			Detail: fmt.Sprintf("packet payload is %d bytes, layout %q needs %d", len(raw), r.Format, r.ByteCount()),
		}
	}
	return &Packet{Region: r, Raw: raw}, nil
}

// Decode reinterprets the raw payload per the region layout. It cannot fail:
// the payload length was checked at construction.
func (p *Packet) Decode() []any {
	values, _ := p.Region.Decode(p.Raw)
	return values
}

// String provides a short representation of the packet for diagnostics.
func (p *Packet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s @0x%08X:", p.Region.Name, p.Region.Address)
	for _, v := range p.Decode() {
		fmt.Fprintf(&sb, " %v", v)
	}
	return sb.String()
}
