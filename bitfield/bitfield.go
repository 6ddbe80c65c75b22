// Package bitfield packs and unpacks struct fields into integers.
// This is a simplified version based on golang.org/x/text/internal/gen/bitfield
//
// Fields carry a tag of the form `bitfield:",N"` (or `bitfield:"name,N"`) and
// are laid out LSB first in declaration order. Fields without a tag are
// ignored, so a struct can mix packed fields with plain ones.
package bitfield

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	// Zero means 64.
	NumBits uint
}

type field struct {
	index  int
	name   string
	offset uint
	bits   uint
}

func layout(t reflect.Type, c *Config) ([]field, error) {
	var (
		fields []field
		offset uint
	)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("bitfield")
		if !ok {
			continue
		}
		_, width, found := strings.Cut(tag, ",")
		if !found {
			return nil, errors.Errorf("bitfield: invalid tag %q on field %s", tag, f.Name)
		}
		bits, err := strconv.ParseUint(width, 10, 7)
		if err != nil || bits > 64 {
			return nil, errors.Errorf("bitfield: invalid width %q on field %s", width, f.Name)
		}
		if bits == 0 {
			continue
		}
		fields = append(fields, field{index: i, name: f.Name, offset: offset, bits: uint(bits)})
		offset += uint(bits)
	}

	limit := uint(64)
	if c != nil && c.NumBits > 0 {
		limit = c.NumBits
	}
	if offset > limit {
		return nil, errors.Errorf("bitfield: total bits %d exceeds NumBits %d", offset, limit)
	}
	return fields, nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<bits - 1
}

func structValue(x interface{}, op string) (reflect.Value, error) {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, errors.Errorf("bitfield: %s expected struct, got %v", op, v.Kind())
	}
	return v, nil
}

// Pack packs annotated bit ranges of struct x into an integer.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	v, err := structValue(x, "Pack")
	if err != nil {
		return 0, err
	}
	fields, err := layout(v.Type(), c)
	if err != nil {
		return 0, err
	}

	for _, f := range fields {
		fv := v.Field(f.index)
		var bits uint64

		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				bits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			bits = fv.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fv.Int()
			if val < 0 {
				return 0, errors.Errorf("bitfield: negative value %d for field %s", val, f.name)
			}
			bits = uint64(val)
		default:
			return 0, errors.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), f.name)
		}

		if bits > mask(f.bits) {
			return 0, errors.Errorf("bitfield: value %d exceeds %d bits for field %s", bits, f.bits, f.name)
		}
		packed |= bits << f.offset
	}
	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct.
func Unpack(packed uint64, x interface{}, c *Config) error {
	if reflect.ValueOf(x).Kind() != reflect.Ptr {
		return errors.New("bitfield: Unpack needs a pointer")
	}
	v, err := structValue(x, "Unpack")
	if err != nil {
		return err
	}
	fields, err := layout(v.Type(), c)
	if err != nil {
		return err
	}

	for _, f := range fields {
		bits := (packed >> f.offset) & mask(f.bits)
		fv := v.Field(f.index)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			fv.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(int64(bits))
		default:
			return errors.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), f.name)
		}
	}
	return nil
}

// Width returns the number of bits the tagged fields of x occupy.
func Width(x interface{}) (uint, error) {
	v, err := structValue(x, "Width")
	if err != nil {
		return 0, err
	}
	fields, err := layout(v.Type(), nil)
	if err != nil || len(fields) == 0 {
		return 0, err
	}
	last := fields[len(fields)-1]
	return last.offset + last.bits, nil
}
