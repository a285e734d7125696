package bencode

import (
	"math"
)

// Decode decodes exactly one bencoded value. Trailing bytes are an error.
//
// Byte strings decode to string (raw bytes, no re-interpretation), integers to int64,
// lists to []any and dictionaries to map[string]any.
func Decode(bencoded []byte) (any, error) {
	v, next, err := DecodeAt(bencoded, 0)
	if err != nil {
		return nil, err
	}
	if next != len(bencoded) {
		return nil, formatError(bencoded, next, "%d trailing bytes after value", len(bencoded)-next)
	}
	return v, nil
}

// DecodeDict decodes a value that must be a dictionary.
func DecodeDict(bencoded []byte) (map[string]any, error) {
	v, err := Decode(bencoded)
	if err != nil {
		return nil, err
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, formatError(bencoded, 0, "top-level value is not a dictionary")
	}
	return d, nil
}

// DecodeAt decodes the value starting at index and returns it with the index just past it.
func DecodeAt(bencoded []byte, index int) (any, int, error) {
	if index < 0 || index >= len(bencoded) {
		return nil, index, formatError(bencoded, index, "unexpected end of input")
	}

	switch c := bencoded[index]; {
	case c >= '0' && c <= '9':
		s, next, err := decodeString(bencoded, index)
		if err != nil {
			return nil, index, err
		}
		return string(s), next, nil
	case c == 'i':
		return decodeInt(bencoded, index)
	case c == 'l':
		return decodeList(bencoded, index)
	case c == 'd':
		return decodeDict(bencoded, index)
	default:
		return nil, index, formatError(bencoded, index, "invalid identifier %q", c)
	}
}

// decodeString decodes a bencoded string of format: <length>:<contents>
func decodeString(bencoded []byte, index int) ([]byte, int, error) {
	i := index
	length := 0
	for ; i < len(bencoded) && bencoded[i] != ':'; i++ {
		c := bencoded[i]
		if c < '0' || c > '9' {
			return nil, index, formatError(bencoded, index, "non-numeric length prefix")
		}
		if i > index && bencoded[index] == '0' {
			return nil, index, formatError(bencoded, index, "length prefix has leading zero")
		}
		length = length*10 + int(c-'0')
		if length > len(bencoded) {
			return nil, index, formatError(bencoded, index, "length prefix exceeds input")
		}
	}
	if i == len(bencoded) {
		return nil, index, formatError(bencoded, index, "unterminated length prefix")
	}
	if i == index {
		return nil, index, formatError(bencoded, index, "empty length prefix")
	}

	start := i + 1
	end := start + length
	if end > len(bencoded) {
		return nil, index, formatError(bencoded, index,
			"length prefix %d exceeds remaining %d bytes", length, len(bencoded)-start)
	}
	return bencoded[start:end], end, nil
}

// decodeInt decodes a bencoded integer of format: i<number>e
// Example: "i42e" returns 42
func decodeInt(bencoded []byte, index int) (int64, int, error) {
	i := index + 1
	neg := false
	if i < len(bencoded) && bencoded[i] == '-' {
		neg = true
		i++
	}
	digits := i

	var n uint64
	for ; i < len(bencoded) && bencoded[i] != 'e'; i++ {
		c := bencoded[i]
		if c < '0' || c > '9' {
			return 0, index, formatError(bencoded, index, "invalid integer digit %q", c)
		}
		d := uint64(c - '0')
		if n > (math.MaxUint64-d)/10 {
			return 0, index, formatError(bencoded, index, "integer overflows 64 bits")
		}
		n = n*10 + d
	}
	if i == len(bencoded) {
		return 0, index, formatError(bencoded, index, "unterminated integer")
	}
	if i == digits {
		return 0, index, formatError(bencoded, index, "empty integer")
	}
	if i-digits > 1 && bencoded[digits] == '0' {
		return 0, index, formatError(bencoded, index, "integer has leading zero")
	}
	if neg && n == 0 {
		return 0, index, formatError(bencoded, index, "negative zero is invalid")
	}

	var v int64
	switch {
	case !neg && n <= math.MaxInt64:
		v = int64(n)
	case neg && n <= math.MaxInt64:
		v = -int64(n)
	case neg && n == math.MaxInt64+1:
		v = math.MinInt64
	default:
		return 0, index, formatError(bencoded, index, "integer overflows 64 bits")
	}
	return v, i + 1, nil
}

// decodeList decodes a bencoded list of format: l<item1><item2>...e
func decodeList(bencoded []byte, index int) ([]any, int, error) {
	list := make([]any, 0)
	i := index + 1
	for {
		if i >= len(bencoded) {
			return nil, index, formatError(bencoded, index, "unterminated list")
		}
		if bencoded[i] == 'e' {
			return list, i + 1, nil
		}

		var (
			val any
			err error
		)
		val, i, err = DecodeAt(bencoded, i)
		if err != nil {
			return nil, index, err
		}
		list = append(list, val)
	}
}

// decodeDict decodes a bencoded dictionary of format: d<key1><val1><key2><val2>...e
// Keys must be byte strings. Unsorted keys are accepted; duplicate keys keep the last value.
func decodeDict(bencoded []byte, index int) (map[string]any, int, error) {
	dict := make(map[string]any)
	i := index + 1
	for {
		if i >= len(bencoded) {
			return nil, index, formatError(bencoded, index, "unterminated dictionary")
		}
		c := bencoded[i]
		if c == 'e' {
			return dict, i + 1, nil
		}
		if c < '0' || c > '9' {
			return nil, index, formatError(bencoded, i, "dictionary key is not a byte string")
		}

		key, next, err := decodeString(bencoded, i)
		if err != nil {
			return nil, index, err
		}
		val, next, err := DecodeAt(bencoded, next)
		if err != nil {
			return nil, index, err
		}
		dict[string(key)] = val
		i = next
	}
}

// Decoder reads consecutive top-level values from one buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder positioned at the start of b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// More reports whether undecoded bytes remain.
func (d *Decoder) More() bool {
	return d.pos < len(d.buf)
}

// Offset is the index of the next undecoded byte.
func (d *Decoder) Offset() int {
	return d.pos
}

// Next decodes the next value. On error the decoder does not advance.
func (d *Decoder) Next() (any, error) {
	v, next, err := DecodeAt(d.buf, d.pos)
	if err != nil {
		return nil, err
	}
	d.pos = next
	return v, nil
}

// Rest returns the bytes not yet decoded.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}
