package rpc

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
)

// ErrBadArgument reports a value that does not fit its parameter.
var ErrBadArgument = fmt.Errorf("rpc: bad argument: %w", abi.EINVAL)

// Args encodes loosely typed values, as decoded from JSON, against a
// parameter list.
type Args struct {
	Params []types.Param
	Values []any
}

// EncodeL4 implements Encoder.
func (a Args) EncodeL4(w *codec.Writer) error {
	if len(a.Values) != len(a.Params) {
		return fmt.Errorf("%w: want %d values, got %d", ErrBadArgument, len(a.Params), len(a.Values))
	}
	for i, p := range a.Params {
		if err := encodeValue(w, p, a.Values[i]); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArgument, p.Name, err)
		}
	}
	return w.Err()
}

// Results decodes a reply against a parameter list.
type Results struct {
	Params []types.Param
	Values []any
}

// DecodeL4 implements Decoder.
func (r *Results) DecodeL4(rd *codec.Reader) error {
	r.Values = r.Values[:0]
	for _, p := range r.Params {
		v, err := decodeValue(rd, p)
		if err != nil {
			return fmt.Errorf("rpc: result %s: %w", p.Name, err)
		}
		r.Values = append(r.Values, v)
	}
	return rd.Err()
}

func encodeValue(w *codec.Writer, p types.Param, v any) error {
	switch p.Type {
	case types.ParamInt64:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		w.PutInt64(n)
	case types.ParamUint64:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative value %d", n)
		}
		w.PutUint64(uint64(n))
	case types.ParamFloat64:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		w.PutFloat64(f)
	case types.ParamBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		w.PutBool(b)
	case types.ParamString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		if p.Max > 0 && len(s) > p.Max {
			return fmt.Errorf("string longer than %d bytes", p.Max)
		}
		w.PutString(s)
	case types.ParamFloats:
		list, ok := v.([]any)
		if !ok {
			if fs, isFloats := v.([]float64); isFloats {
				w.PutUint64(uint64(len(fs)))
				for _, f := range fs {
					w.PutFloat64(f)
				}
				return nil
			}
			return fmt.Errorf("want array, got %T", v)
		}
		w.PutUint64(uint64(len(list)))
		for _, e := range list {
			f, err := toFloat64(e)
			if err != nil {
				return err
			}
			w.PutFloat64(f)
		}
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	return nil
}

func decodeValue(r *codec.Reader, p types.Param) (any, error) {
	switch p.Type {
	case types.ParamInt64:
		return r.Int64(), nil
	case types.ParamUint64:
		return r.Uint64(), nil
	case types.ParamFloat64:
		return r.Float64(), nil
	case types.ParamBool:
		return r.Bool(), nil
	case types.ParamString:
		return r.String(p.Max)
	case types.ParamFloats:
		n := r.Uint64()
		if uint64(r.Remaining()) < n*8 {
			return nil, codec.ErrShort
		}
		out := make([]float64, n)
		for i := range out {
			out[i] = r.Float64()
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown type %q", p.Type)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("want number, got %T", v)
}
