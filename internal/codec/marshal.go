package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/GriffinCanCode/l4core/internal/abi"
)

// ErrUnsupported reports a Go type that has no message representation.
var ErrUnsupported = errors.New("codec: unsupported type")

type (
	encodeFunc func(w *Writer, v reflect.Value)
	decodeFunc func(r *Reader, v reflect.Value)
)

// plan is the classified layout of one Go type.
type plan struct {
	enc encodeFunc
	dec decodeFunc
}

var plans sync.Map // reflect.Type -> *plan

var (
	capType      = reflect.TypeOf(abi.Cap(0))
	mappingType  = reflect.TypeOf(Mapping{})
	indirectType = reflect.TypeOf(Indirect{})
	bytesType    = reflect.TypeOf([]byte(nil))
)

// Marshal writes v, a struct or a single value, to w. Struct fields are
// written in declaration order; fields tagged `l4:"-"` are skipped.
func Marshal(w *Writer, v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	p, err := planFor(rv.Type())
	if err != nil {
		return err
	}
	p.enc(w, rv)
	return w.Err()
}

// Unmarshal reads into the value v points to. Inline arrays longer than a
// field's `l4:"max=N"` capacity are truncated and ErrMsgCut is returned
// after the remaining fields are read.
func Unmarshal(r *Reader, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec: unmarshal needs a non-nil pointer, got %T", v)
	}
	rv = rv.Elem()
	p, err := planFor(rv.Type())
	if err != nil {
		return err
	}
	p.dec(r, rv)
	return r.Err()
}

func planFor(t reflect.Type) (*plan, error) {
	if p, ok := plans.Load(t); ok {
		return p.(*plan), nil
	}
	p, err := build(t, 0)
	if err != nil {
		return nil, err
	}
	actual, _ := plans.LoadOrStore(t, p)
	return actual.(*plan), nil
}

// build classifies t. capacity bounds inline arrays on decode.
func build(t reflect.Type, capacity int) (*plan, error) {
	switch t {
	case capType:
		return &plan{
			enc: func(w *Writer, v reflect.Value) {
				cp := abi.Cap(v.Uint())
				rights := cp.Rights()
				if rights == 0 {
					rights = abi.RightsAll
				}
				w.PutCap(cp, rights)
			},
			dec: func(r *Reader, v reflect.Value) {
				cp, _ := r.Cap()
				v.SetUint(uint64(cp))
			},
		}, nil
	case mappingType:
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutMapping(v.Interface().(Mapping)) },
			dec: func(r *Reader, v reflect.Value) {
				m, _ := r.Mapping()
				v.Set(reflect.ValueOf(m))
			},
		}, nil
	case indirectType:
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutIndirect(v.Interface().(Indirect)) },
			dec: func(r *Reader, v reflect.Value) {
				in, _ := r.Indirect()
				v.Set(reflect.ValueOf(in))
			},
		}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutBool(v.Bool()) },
			dec: func(r *Reader, v reflect.Value) { v.SetBool(r.Bool()) },
		}, nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		n := int(t.Size())
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.put(n, uint64(v.Int())) },
			dec: func(r *Reader, v reflect.Value) { v.SetInt(signExtend(r.get(n), n)) },
		}, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr:
		n := int(t.Size())
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.put(n, v.Uint()) },
			dec: func(r *Reader, v reflect.Value) { v.SetUint(r.get(n)) },
		}, nil
	case reflect.Float32:
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutFloat32(float32(v.Float())) },
			dec: func(r *Reader, v reflect.Value) { v.SetFloat(float64(r.Float32())) },
		}, nil
	case reflect.Float64:
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutFloat64(v.Float()) },
			dec: func(r *Reader, v reflect.Value) { v.SetFloat(r.Float64()) },
		}, nil
	case reflect.String:
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutString(v.String()) },
			dec: func(r *Reader, v reflect.Value) {
				s, _ := r.String(capacity)
				v.SetString(s)
			},
		}, nil
	case reflect.Slice:
		if t.Elem().Kind() != reflect.Uint8 {
			break
		}
		return &plan{
			enc: func(w *Writer, v reflect.Value) { w.PutBytes(v.Bytes()) },
			dec: func(r *Reader, v reflect.Value) {
				b, _ := r.Bytes(capacity)
				v.Set(reflect.ValueOf(b).Convert(t))
			},
		}, nil
	case reflect.Struct:
		return buildStruct(t)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
}

func buildStruct(t reflect.Type) (*plan, error) {
	type field struct {
		index int
		p     *plan
	}
	var fields []field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("l4")
		if tag == "-" || !f.IsExported() {
			continue
		}
		capacity, err := parseTag(tag)
		if err != nil {
			return nil, fmt.Errorf("codec: field %s.%s: %w", t, f.Name, err)
		}
		p, err := build(f.Type, capacity)
		if err != nil {
			return nil, fmt.Errorf("codec: field %s.%s: %w", t, f.Name, err)
		}
		fields = append(fields, field{index: i, p: p})
	}
	return &plan{
		enc: func(w *Writer, v reflect.Value) {
			for _, f := range fields {
				f.p.enc(w, v.Field(f.index))
			}
		},
		dec: func(r *Reader, v reflect.Value) {
			for _, f := range fields {
				f.p.dec(r, v.Field(f.index))
			}
		},
	}, nil
}

// parseTag reads `l4:"max=N"`.
func parseTag(tag string) (int, error) {
	if tag == "" {
		return 0, nil
	}
	for _, part := range strings.Split(tag, ",") {
		key, val, ok := strings.Cut(part, "=")
		if !ok || key != "max" {
			return 0, fmt.Errorf("bad l4 tag %q", tag)
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad l4 capacity %q", val)
		}
		return n, nil
	}
	return 0, nil
}

func signExtend(v uint64, n int) int64 {
	shift := uint(64 - 8*n)
	return int64(v<<shift) >> shift
}
