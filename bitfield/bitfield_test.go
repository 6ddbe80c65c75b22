package bitfield

import (
	"fmt"
	"testing"
)

type sampleControl struct {
	Error    bool   `bitfield:",1"`
	Read     bool   `bitfield:",1"`
	Skip     bool   `bitfield:",1"`
	Select   bool   `bitfield:",1"`
	Write    bool   `bitfield:",1"`
	Reserved uint16 `bitfield:",11"`
	Key      uint16 `bitfield:",16"`

	Comment string
}

type messageControl struct {
	TableSize    uint16 `bitfield:"size,11"`
	Reserved     uint8  `bitfield:",3"`
	FunctionMask bool   `bitfield:",1"`
	Enable       bool   `bitfield:",1"`
}

func TestPack(t *testing.T) {
	tests := []struct {
		name     string
		in       interface{}
		expected uint64
		wantErr  bool
	}{
		{
			name:     "all clear",
			in:       sampleControl{},
			expected: 0,
		},
		{
			name:     "read and select",
			in:       sampleControl{Read: true, Select: true, Key: 0x19},
			expected: 0x0019000a,
		},
		{
			name:     "write with key",
			in:       &sampleControl{Write: true, Select: true, Key: 0x0025},
			expected: 0x00250018,
		},
		{
			name:     "named tag",
			in:       messageControl{TableSize: 0x3f, Enable: true},
			expected: 0x803f,
		},
		{
			name:    "value overflows field",
			in:      messageControl{TableSize: 0x800},
			wantErr: true,
		},
		{
			name:    "not a struct",
			in:      42,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(tt.in, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Pack() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && packed != tt.expected {
				t.Errorf("Pack() = 0x%08x, want 0x%08x", packed, tt.expected)
			}
		})
	}
}

func TestPackNumBits(t *testing.T) {
	if _, err := Pack(sampleControl{}, &Config{NumBits: 16}); err == nil {
		t.Error("Pack() into 16 bits should fail for a 32 bit layout")
	}
	if _, err := Pack(messageControl{}, &Config{NumBits: 16}); err != nil {
		t.Errorf("Pack() error = %v", err)
	}
}

func TestUnpack(t *testing.T) {
	tests := []struct {
		name     string
		packed   uint64
		expected messageControl
	}{
		{
			name:     "single entry table",
			packed:   0x0000,
			expected: messageControl{},
		},
		{
			name:     "enabled 64 entries",
			packed:   0x803f,
			expected: messageControl{TableSize: 0x3f, Enable: true},
		},
		{
			name:     "masked",
			packed:   0x4001,
			expected: messageControl{TableSize: 1, FunctionMask: true},
		},
		{
			name:     "upper bits ignored",
			packed:   0xffff0002,
			expected: messageControl{TableSize: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got messageControl
			if err := Unpack(tt.packed, &got, nil); err != nil {
				t.Fatalf("Unpack() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("Unpack() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestUnpackNeedsPointer(t *testing.T) {
	if err := Unpack(1, messageControl{}, nil); err == nil {
		t.Error("Unpack() into a value should fail")
	}
}

func TestWidth(t *testing.T) {
	w, err := Width(sampleControl{})
	if err != nil {
		t.Fatalf("Width() error = %v", err)
	}
	if w != 32 {
		t.Errorf("Width() = %d, want 32", w)
	}
}

func ExamplePack() {
	ctrl := sampleControl{Read: true, Select: true, Key: 0x20}
	packed, err := Pack(ctrl, &Config{NumBits: 32})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("0x%08x\n", packed)
	// Output: 0x0020000a
}
