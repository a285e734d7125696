package bencode

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"strconv"
)

// Encode bencodes v. Supported: string, []byte, signed and unsigned integers, []any,
// []string, map[string]any and map[string]int. Dictionary keys are written in raw byte
// order so that re-encoding a decoded value reproduces canonical input exactly.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		writeString(buf, x)
	case []byte:
		writeString(buf, string(x))
	case int:
		writeInt(buf, int64(x))
	case int8:
		writeInt(buf, int64(x))
	case int16:
		writeInt(buf, int64(x))
	case int32:
		writeInt(buf, int64(x))
	case int64:
		writeInt(buf, x)
	case uint8:
		writeInt(buf, int64(x))
	case uint16:
		writeInt(buf, int64(x))
	case uint32:
		writeInt(buf, int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return fmt.Errorf("bencode: integer %d overflows int64", x)
		}
		writeInt(buf, int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("bencode: integer %d overflows int64", x)
		}
		writeInt(buf, int64(x))
	case []any:
		buf.WriteByte('l')
		for i, e := range x {
			if err := encodeValue(buf, e); err != nil {
				return fmt.Errorf("list element %d: %w", i, err)
			}
		}
		buf.WriteByte('e')
	case []string:
		buf.WriteByte('l')
		for _, e := range x {
			writeString(buf, e)
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		for _, k := range sortedKeys(x) {
			writeString(buf, k)
			if err := encodeValue(buf, x[k]); err != nil {
				return fmt.Errorf("dictionary key %q: %w", k, err)
			}
		}
		buf.WriteByte('e')
	case map[string]int:
		buf.WriteByte('d')
		for _, k := range sortedKeys(x) {
			writeString(buf, k)
			writeInt(buf, int64(x[k]))
		}
		buf.WriteByte('e')
	case nil:
		return fmt.Errorf("bencode: cannot encode nil")
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func writeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

// sortedKeys returns keys in raw byte order; Go string comparison is bytewise.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
