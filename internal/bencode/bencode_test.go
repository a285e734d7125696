package bencode

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"

	jackpal "github.com/jackpal/bencode-go"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"5:hello", "hello"},
		{"0:", ""},
		{"i42e", int64(42)},
		{"i-42e", int64(-42)},
		{"i0e", int64(0)},
		{"i9223372036854775807e", int64(math.MaxInt64)},
		{"i-9223372036854775808e", int64(math.MinInt64)},
		{"le", []any{}},
		{"l5:helloi52ee", []any{"hello", int64(52)}},
		{"de", map[string]any{}},
		{"d3:foo3:bar5:helloi52ee", map[string]any{"foo": "bar", "hello": int64(52)}},
		{"d4:listl1:ai1eee", map[string]any{"list": []any{"a", int64(1)}}},
		{"3:\x00\xff\x10", "\x00\xff\x10"},
	}
	for _, tt := range tests {
		got, err := Decode([]byte(tt.in))
		if err != nil {
			t.Errorf("Decode(%q) error: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Decode(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestDecode_FormatErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"unterminated list", "li1e"},
		{"unterminated dict", "d3:foo3:bar"},
		{"non-numeric length", "5x:hello"},
		{"length past buffer", "10:short"},
		{"missing colon", "5"},
		{"int key", "di1ei2ee"},
		{"leading zero int", "i012e"},
		{"negative zero", "i-0e"},
		{"empty int", "ie"},
		{"unterminated int", "i12"},
		{"int overflow", "i9223372036854775808e"},
		{"huge int", "i99999999999999999999999e"},
		{"bad identifier", "x"},
		{"trailing bytes", "i1ei2e"},
		{"leading zero length", "05:hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("Decode(%q) error = %v, want *FormatError", tt.in, err)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"hello", "5:hello"},
		{[]byte{0xff}, "1:\xff"},
		{123, "i123e"},
		{int64(-123), "i-123e"},
		{uint16(6881), "i6881e"},
		{[]any{1, "a"}, "li1e1:ae"},
		{[]string{"a", "b"}, "l1:a1:be"},
		{map[string]any{"b": 1, "a": "x"}, "d1:a1:x1:bi1ee"},
		{map[string]int{"ut_pex": 2, "ut_metadata": 1}, "d11:ut_metadatai1e6:ut_pexi2ee"},
		{map[string]any{}, "de"},
	}
	for _, tt := range tests {
		got, err := Encode(tt.in)
		if err != nil {
			t.Errorf("Encode(%#v) error: %v", tt.in, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Encode(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncode_Unsupported(t *testing.T) {
	for _, v := range []any{nil, 1.5, struct{}{}, uint64(math.MaxUint64)} {
		if _, err := Encode(v); err == nil {
			t.Errorf("Encode(%#v) succeeded, want error", v)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		"",
		"binary\x00data",
		int64(0),
		int64(math.MinInt64),
		[]any{},
		[]any{"x", int64(1), []any{map[string]any{}}},
		map[string]any{
			"info": map[string]any{
				"name":         "file.txt",
				"piece length": int64(16384),
				"pieces":       string(bytes.Repeat([]byte{0xab}, 40)),
			},
			"announce": "http://tracker.example/announce",
		},
	}
	for _, v := range values {
		enc, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", v, err)
		}
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("round trip = %#v, want %#v", got, v)
		}
	}
}

// Output of an independent encoder must decode and re-encode byte for byte.
func TestReencodeThirdPartyOutput(t *testing.T) {
	inputs := []any{
		map[string]any{
			"t": "aa",
			"y": "q",
			"q": "find_node",
			"a": map[string]any{"id": "abcdefghij0123456789", "target": "mnopqrstuvwxyz123456"},
		},
		map[string]any{"zz": []any{int64(1), int64(-2), "x"}, "a": map[string]any{"nested": "v"}},
		[]any{"spam", int64(42), []any{}},
	}
	for _, in := range inputs {
		var buf bytes.Buffer
		if err := jackpal.Marshal(&buf, in); err != nil {
			t.Fatalf("jackpal.Marshal: %v", err)
		}
		decoded, err := Decode(buf.Bytes())
		if err != nil {
			t.Fatalf("Decode(%q): %v", buf.Bytes(), err)
		}
		again, err := Encode(decoded)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if !bytes.Equal(again, buf.Bytes()) {
			t.Errorf("re-encode = %q, want %q", again, buf.Bytes())
		}
	}
}

func TestDecoder_ConsecutiveValues(t *testing.T) {
	d := NewDecoder([]byte("d1:ai1ee4:spamli1ei2ee"))
	var got []any
	for d.More() {
		v, err := d.Next()
		if err != nil {
			t.Fatalf("Next at %d: %v", d.Offset(), err)
		}
		got = append(got, v)
	}
	want := []any{
		map[string]any{"a": int64(1)},
		"spam",
		[]any{int64(1), int64(2)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("values = %#v, want %#v", got, want)
	}
}

func TestDecoder_StopsAtGarbage(t *testing.T) {
	d := NewDecoder([]byte("i1e?"))
	if _, err := d.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := d.Next(); err == nil {
		t.Fatal("second Next succeeded on garbage")
	}
	if d.Offset() != 3 {
		t.Errorf("Offset = %d, want 3", d.Offset())
	}
	if string(d.Rest()) != "?" {
		t.Errorf("Rest = %q, want %q", d.Rest(), "?")
	}
}

func TestLookupHelpers(t *testing.T) {
	d := map[string]any{"s": "x", "i": int64(3), "d": map[string]any{}, "l": []any{}}
	if v, ok := String(d, "s"); !ok || v != "x" {
		t.Errorf("String = %q, %v", v, ok)
	}
	if v, ok := Int(d, "i"); !ok || v != 3 {
		t.Errorf("Int = %d, %v", v, ok)
	}
	if _, ok := Dict(d, "d"); !ok {
		t.Error("Dict not found")
	}
	if _, ok := List(d, "l"); !ok {
		t.Error("List not found")
	}
	if _, ok := Int(d, "s"); ok {
		t.Error("Int on string reported ok")
	}
}
