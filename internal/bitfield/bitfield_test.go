package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)
	if len(bf) != 2 {
		t.Fatalf("len = %d, want 2", len(bf))
	}
	for _, i := range []int{0, 7, 8, 9} {
		bf.Set(i)
	}
	if bf[0] != 0b10000001 || bf[1] != 0b11000000 {
		t.Errorf("bytes = %08b %08b, want 10000001 11000000", bf[0], bf[1])
	}
	if !bf.Has(7) || bf.Has(6) {
		t.Errorf("Has(7) = %v, Has(6) = %v", bf.Has(7), bf.Has(6))
	}
	bf.Clear(7)
	if bf.Has(7) {
		t.Error("bit 7 still set after Clear")
	}
	if got := bf.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
	if bf.Has(-1) || bf.Has(100) {
		t.Error("out-of-range index reported set")
	}
	bf.Set(100)
}

func TestFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		pieces  int
		wantErr bool
	}{
		{"exact", []byte{0xff}, 8, false},
		{"spare clear", []byte{0xff, 0x80}, 9, false},
		{"spare set", []byte{0xff, 0xc0}, 9, true},
		{"too short", []byte{0xff}, 9, true},
		{"too long", []byte{0xff, 0x00}, 8, true},
	}
	for _, tt := range tests {
		_, err := FromBytes(tt.in, tt.pieces)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestFull(t *testing.T) {
	bf := New(3)
	bf.Set(0)
	bf.Set(1)
	if bf.Full(3) {
		t.Error("Full(3) with two bits set")
	}
	bf.Set(2)
	if !bf.Full(3) {
		t.Error("Full(3) false with all bits set")
	}
	c := bf.Clone()
	c.Clear(0)
	if !bf.Has(0) {
		t.Error("Clone shares storage")
	}
}
