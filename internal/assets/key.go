// Package assets models the materializable units of the pipeline and the
// dependency graph between them.
package assets

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins key segments in the string form of a Key.
const KeySeparator = "/"

// Key identifies one asset: a namespace path followed by a leaf name.
//
// Keys are comparable by their string form; two keys with the same
// NFC-normalized segments are equal.
type Key struct {
	path string
}

// NewKey builds a key from its segments. Each segment is NFC-normalized and
// must be non-empty and free of the separator.
func NewKey(segments ...string) (Key, error) {
	if len(segments) == 0 {
		return Key{}, &GraphError{Code: ErrCodeInvalidKey, Message: "asset key has no segments"}
	}
	normalized := make([]string, len(segments))
	for i, seg := range segments {
		seg = norm.NFC.String(strings.TrimSpace(seg))
		if seg == "" {
			return Key{}, &GraphError{
				Code:    ErrCodeInvalidKey,
				Message: fmt.Sprintf("asset key segment %d is empty", i),
			}
		}
		if strings.Contains(seg, KeySeparator) {
			return Key{}, &GraphError{
				Code:    ErrCodeInvalidKey,
				Message: fmt.Sprintf("asset key segment %q contains %q", seg, KeySeparator),
			}
		}
		normalized[i] = seg
	}
	return Key{path: strings.Join(normalized, KeySeparator)}, nil
}

// MustKey is NewKey for static tables; it panics on invalid segments.
func MustKey(segments ...string) Key {
	k, err := NewKey(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey parses the slash-joined string form produced by Key.String.
func ParseKey(s string) (Key, error) {
	return NewKey(strings.Split(s, KeySeparator)...)
}

// Segments returns a copy of the key's segments.
func (k Key) Segments() []string {
	if k.path == "" {
		return nil
	}
	return strings.Split(k.path, KeySeparator)
}

// Name returns the leaf segment.
func (k Key) Name() string {
	if i := strings.LastIndex(k.path, KeySeparator); i >= 0 {
		return k.path[i+1:]
	}
	return k.path
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.path == ""
}

func (k Key) String() string {
	return k.path
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.path), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KeySet is an unordered set of keys.
type KeySet map[Key]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Add inserts k.
func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

// Sorted returns the members ordered by their string form.
func (s KeySet) Sorted() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}
