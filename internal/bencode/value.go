package bencode

// Lookup helpers for decoded dictionaries. Each returns ok=false when the key is absent
// or holds a value of another kind.

func String(d map[string]any, key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

func Int(d map[string]any, key string) (int64, bool) {
	n, ok := d[key].(int64)
	return n, ok
}

func Dict(d map[string]any, key string) (map[string]any, bool) {
	m, ok := d[key].(map[string]any)
	return m, ok
}

func List(d map[string]any, key string) ([]any, bool) {
	l, ok := d[key].([]any)
	return l, ok
}
