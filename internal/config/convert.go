package config

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/worldsync/internal/protocol/schema"
)

// EncodeValue converts a decoded TOML value into the little-endian member
// encoding for kind.
func EncodeValue(kind schema.Kind, v any) ([]byte, error) {
	switch kind {
	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case schema.KindString, schema.KindBytes:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return []byte(s), nil
	case schema.KindInt32:
		n, err := integer(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%d overflows int32", n)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(int32(n))), nil
	case schema.KindInt64:
		n, err := integer(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
	case schema.KindUint64:
		n, err := integer(v)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%d is negative", n)
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
	case schema.KindFloat32:
		f, err := float(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case schema.KindFloat64:
		f, err := float(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case schema.KindVec3, schema.KindQuat:
		want := kind.Size() / 4
		list, ok := v.([]any)
		if !ok || len(list) != want {
			return nil, fmt.Errorf("want %d numbers for %s", want, kind)
		}
		out := make([]byte, 0, kind.Size())
		for _, item := range list {
			f, err := float(item)
			if err != nil {
				return nil, err
			}
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func integer(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func float(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("want number, got %T", v)
	}
}
