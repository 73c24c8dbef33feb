// Package canonical implements the RFC-8785-style JSON canonicalization rule
// that every artifact hash in settld derives from. There is no ecosystem
// canonical-JSON library in the dependency pack this module was grown from,
// so the walker here is hand-rolled rather than adapted from a teacher file;
// it is deliberately small and has no knobs.
package canonical

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ErrNotRepresentable is returned when a value cannot be represented in the
// canonical subset (an unsupported Go type, NaN, ±Inf, negative zero).
// Cyclic values are not detected.
var ErrNotRepresentable = errors.New("CANONICAL_VALUE_NOT_REPRESENTABLE")

// ErrDuplicateKey is returned when an object literal carries the same key twice.
var ErrDuplicateKey = errors.New("CANONICAL_DUPLICATE_KEY")

// Encode returns the canonical byte encoding of v. v must be built from
// nil, bool, string, float64/int/int64/uint64 numbers, []any, map[string]any
// and OrderedObject (or a type implementing Canonicalizer). No trailing
// newline is ever appended — that is a normative choice, not an oversight.
func Encode(v any) ([]byte, error) {
	var b strings.Builder
	if err := encodeValue(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// MustEncode panics if v cannot be canonicalized. Intended for code paths
// where the value's shape is already statically known to be representable
// (e.g. artifacts built entirely from this package's own types).
func MustEncode(v any) []byte {
	out, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Canonicalizer lets a concrete artifact type control its own canonical
// projection instead of relying on reflection over a map[string]any, per the
// "tagged variant, not a stringly-typed map" guidance: artifacts implement
// this to expose exactly their schema's fields, in field order, to Encode.
type Canonicalizer interface {
	CanonicalValue() any
}

func encodeValue(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case Canonicalizer:
		return encodeValue(b, t.CanonicalValue())
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		encodeString(b, t)
		return nil
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
		return nil
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
		return nil
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
		return nil
	case float64:
		return encodeNumber(b, t)
	case []any:
		return encodeArray(b, t)
	case map[string]any:
		return encodeObject(b, t)
	case OrderedObject:
		return encodeOrderedObject(b, t)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNotRepresentable, v)
	}
}

// OrderedObject is a map[string]any substitute that still canonicalizes by
// sorted key (duplicates are still rejected) but lets a caller pass a
// pre-built key/value pair list when it already has one, avoiding an
// intermediate map allocation. Canonical output is byte-identical to the
// equivalent map[string]any.
type OrderedObject []KV

// KV is one canonical object member.
type KV struct {
	Key   string
	Value any
}

func encodeNumber(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrNotRepresentable)
	}
	if f == 0 {
		if math.Signbit(f) {
			return fmt.Errorf("%w: negative zero", ErrNotRepresentable)
		}
		b.WriteString("0")
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	s = strings.Replace(s, "e+0", "e+", 1)
	s = strings.Replace(s, "e-0", "e-", 1)
	b.WriteString(s)
	return nil
}

func encodeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(b, `\u%04x`, r)
			case r < 0x80:
				b.WriteRune(r)
			default:
				if r > 0xFFFF {
					r1, r2 := utf16.EncodeRune(r)
					fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(b, `\u%04x`, r)
				}
			}
		}
	}
	b.WriteByte('"')
}

func encodeArray(b *strings.Builder, arr []any) error {
	b.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encodeValue(b, elem); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

func encodeObject(b *strings.Builder, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return utf16Less(keys[i], keys[j]) })
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeString(b, k)
		b.WriteByte(':')
		if err := encodeValue(b, obj[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeOrderedObject(b *strings.Builder, obj OrderedObject) error {
	seen := make(map[string]struct{}, len(obj))
	kvs := make([]KV, len(obj))
	copy(kvs, obj)
	for _, kv := range kvs {
		if _, dup := seen[kv.Key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, kv.Key)
		}
		seen[kv.Key] = struct{}{}
	}
	sort.Slice(kvs, func(i, j int) bool { return utf16Less(kvs[i].Key, kvs[j].Key) })
	b.WriteByte('{')
	for i, kv := range kvs {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeString(b, kv.Key)
		b.WriteByte(':')
		if err := encodeValue(b, kv.Value); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// utf16Less compares two strings by UTF-16 code-unit order, the ordering
// rule spec §4.1 mandates for object keys (not raw byte order, which would
// diverge from it for keys containing surrogate-pair code points).
func utf16Less(a, b string) bool {
	au := utf16.Encode([]rune(a))
	bu := utf16.Encode([]rune(b))
	for i := 0; i < len(au) && i < len(bu); i++ {
		if au[i] != bu[i] {
			return au[i] < bu[i]
		}
	}
	return len(au) < len(bu)
}
