package region

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name       string
		desc       string
		wantBytes  int
		wantFields int
		wantErr    bool
	}{
		{name: "single uint32", desc: "<I", wantBytes: 4, wantFields: 1},
		{name: "uint32 and eight floats", desc: "<I8f", wantBytes: 36, wantFields: 9},
		{name: "big endian pair", desc: ">Hh", wantBytes: 4, wantFields: 2},
		{name: "no order prefix", desc: "Bq", wantBytes: 9, wantFields: 2},
		{name: "doubles", desc: "<2d", wantBytes: 16, wantFields: 2},
		{name: "empty", desc: "", wantErr: true},
		{name: "order only", desc: "<", wantErr: true},
		{name: "unknown field char", desc: "<Ix", wantErr: true},
		{name: "trailing repeat", desc: "<I4", wantErr: true},
		{name: "zero repeat", desc: "<0f", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFormat(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.desc, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if f.ByteCount() != tt.wantBytes {
				t.Errorf("ByteCount() = %d, want %d", f.ByteCount(), tt.wantBytes)
			}
			if f.FieldCount() != tt.wantFields {
				t.Errorf("FieldCount() = %d, want %d", f.FieldCount(), tt.wantFields)
			}
			if f.String() != tt.desc {
				t.Errorf("String() = %q, want %q", f.String(), tt.desc)
			}
		})
	}
}

func TestRegionByteCountIndependentOfAddressAndName(t *testing.T) {
	a, err := New(0x20000000, "<I2f", "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(0xDEADBEEF, "<I2f", "something else")
	if err != nil {
		t.Fatal(err)
	}
	if a.ByteCount() != 12 || b.ByteCount() != 12 {
		t.Errorf("ByteCount() = %d / %d, want 12 for both", a.ByteCount(), b.ByteCount())
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		desc    string
		payload []byte
		want    []any
		wantErr bool
	}{
		{
			name:    "little endian uint32",
			desc:    "<I",
			payload: []byte{0x78, 0x56, 0x34, 0x12},
			want:    []any{uint32(0x12345678)},
		},
		{
			name:    "big endian uint32",
			desc:    ">I",
			payload: []byte{0x12, 0x34, 0x56, 0x78},
			want:    []any{uint32(0x12345678)},
		},
		{
			name:    "mixed fields",
			desc:    "<bBhf",
			payload: []byte{0xFF, 0x02, 0xFE, 0xFF, 0x00, 0x00, 0x80, 0x3F},
			want:    []any{int8(-1), uint8(2), int16(-2), float32(1.0)},
		},
		{
			name:    "short payload",
			desc:    "<I",
			payload: []byte{0x01, 0x02},
			wantErr: true,
		},
		{
			name:    "long payload",
			desc:    "<H",
			payload: []byte{0x01, 0x02, 0x03},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(0x1000, tt.desc, "")
			if err != nil {
				t.Fatal(err)
			}
			got, err := r.Decode(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var fmErr *FormatMismatchError
				if !errors.As(err, &fmErr) {
					t.Fatalf("Decode() error = %T, want *FormatMismatchError", err)
				}
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	descs := []string{"<I", "<I8f", ">Hh", "<bBhHiIqQfd", "<2d"}

	for _, desc := range descs {
		t.Run(desc, func(t *testing.T) {
			r, err := New(0x2000, desc, "")
			if err != nil {
				t.Fatal(err)
			}
			payload := make([]byte, r.ByteCount())
			for i := range payload {
				payload[i] = byte(i*7 + 3)
			}

			values, err := r.Decode(payload)
			if err != nil {
				t.Fatal(err)
			}
			encoded, err := r.Encode(values)
			if err != nil {
				t.Fatal(err)
			}
			again, err := r.Decode(encoded)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(values, again); diff != "" {
				t.Errorf("round trip mismatch (-first +second):\n%s", diff)
			}
		})
	}
}

func TestEncodeRejectsMismatches(t *testing.T) {
	r, err := New(0x1000, "<If", "x")
	if err != nil {
		t.Fatal(err)
	}

	var fmErr *FormatMismatchError
	if _, err := r.Encode([]any{uint32(1)}); !errors.As(err, &fmErr) {
		t.Errorf("Encode with short value set: error = %v, want *FormatMismatchError", err)
	}
	if _, err := r.Encode([]any{uint32(1), float64(2)}); !errors.As(err, &fmErr) {
		t.Errorf("Encode with wrong field type: error = %v, want *FormatMismatchError", err)
	}
	if _, err := r.Encode([]any{uint32(1), float32(2)}); err != nil {
		t.Errorf("Encode with matching values: unexpected error %v", err)
	}
}

func TestDictRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		dict     map[string]any
		wantName string
		wantErr  bool
	}{
		{
			name:     "all keys",
			dict:     map[string]any{"address": uint64(0x20000100), "format": "<I8f", "name": "sensor"},
			wantName: "sensor",
		},
		{
			name:     "defaulted name",
			dict:     map[string]any{"address": 0x1FFF0000, "format": "<H"},
			wantName: "Region_0x1FFF0000",
		},
		{
			name:     "float address from decoded config",
			dict:     map[string]any{"address": float64(4096), "format": "<f"},
			wantName: "Region_0x1000",
		},
		{
			name:    "missing format",
			dict:    map[string]any{"address": uint64(0x1000)},
			wantErr: true,
		},
		{
			name:    "missing address",
			dict:    map[string]any{"format": "<I"},
			wantErr: true,
		},
		{
			name:    "fractional address",
			dict:    map[string]any{"address": float64(1.5), "format": "<I"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := FromDict(tt.dict)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromDict() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if r.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", r.Name, tt.wantName)
			}

			back := r.ToDict()
			again, err := FromDict(back)
			if err != nil {
				t.Fatal(err)
			}
			if again.Address != r.Address || again.Format.String() != r.Format.String() || again.Name != r.Name {
				t.Errorf("dict round trip changed region: %+v -> %+v", r, again)
			}
		})
	}
}

func TestPacket(t *testing.T) {
	r, err := New(0x1000, "<I", "counter")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewPacket(r, []byte{0x01}); err == nil {
		t.Error("NewPacket with short payload: want error, got nil")
	}

	p, err := NewPacket(r, []byte{0x2A, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{uint32(42)}, p.Decode()); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}
