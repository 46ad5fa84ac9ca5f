// Package identity provides the key type that names an entity instance.
//
// A Key wraps a primary key value. Two keys are equal if and only if the
// wrapped primary keys are equal, where equality is defined on a canonical
// serialized form so that primary key types without a reliable notion of
// equality (slices, maps, structs holding pointers) still compare correctly.
// The hash is computed once, at construction, with xxhash over the canonical
// form.
//
// Key is a comparable value type and can be used directly as a map key.
//
// Canonical forms:
//   - types implementing Canonicalizer use their CanonicalKey result
//   - strings, booleans and numeric kinds use their textual form
//   - everything else is encoded as JSON (map keys sorted)
//
// Every canonical form is prefixed with the dynamic type name, so int(1) and
// int64(1) are different identities.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNilIdentity is returned when a key is built from a nil primary key.
	ErrNilIdentity = errors.New("identity: nil primary key")
)

// Canonicalizer is implemented by primary key types that define their own
// canonical form. Two values with the same canonical form are the same identity.
type Canonicalizer interface {
	CanonicalKey() string
}

// Key identifies one entity instance within a bean.
type Key struct {
	canon string
	hash  uint64
}

// New builds a key from a primary key value.
func New(pk any) (Key, error) {
	if pk == nil {
		return Key{}, ErrNilIdentity
	}
	v := reflect.ValueOf(pk)
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Map || v.Kind() == reflect.Slice) && v.IsNil() {
		return Key{}, ErrNilIdentity
	}

	body, err := canonical(pk, v)
	if err != nil {
		return Key{}, fmt.Errorf("identity: cannot canonicalize %T: %w", pk, err)
	}
	return FromCanonical(reflect.TypeOf(pk).String() + "\x00" + body), nil
}

// MustNew is like New but panics on error. Intended for tests and constants.
func MustNew(pk any) Key {
	k, err := New(pk)
	if err != nil {
		panic(err)
	}
	return k
}

// FromCanonical rebuilds a key from the string returned by Canonical. It is
// used by persistence backends that store identities as text.
func FromCanonical(canon string) Key {
	return Key{canon: canon, hash: xxhash.Sum64String(canon)}
}

func canonical(pk any, v reflect.Value) (string, error) {
	if c, ok := pk.(Canonicalizer); ok {
		return c.CanonicalKey(), nil
	}

	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return "", fmt.Errorf("unsupported kind %s", v.Kind())
	}

	b, err := json.Marshal(pk)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the precomputed hash of the key.
func (k Key) Hash() uint64 {
	return k.hash
}

// Canonical returns the canonical form the key was built from.
func (k Key) Canonical() string {
	return k.canon
}

// Equal reports whether two keys name the same identity.
func (k Key) Equal(o Key) bool {
	return k.hash == o.hash && k.canon == o.canon
}

// IsZero reports whether the key is the zero value (no identity assigned).
func (k Key) IsZero() bool {
	return k.canon == ""
}

// String returns a human readable form: the primary key text without the
// type prefix.
func (k Key) String() string {
	if k.IsZero() {
		return "<none>"
	}
	if i := strings.IndexByte(k.canon, 0); i >= 0 {
		return k.canon[i+1:]
	}
	return k.canon
}
