package deployer

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// coerceArgs converts manifest args into the Go values abi.Pack expects for
// the constructor's inputs.
func coerceArgs(inputs abi.Arguments, raw []any, book *AddressBook) ([]any, error) {
	if len(raw) != len(inputs) {
		return nil, fmt.Errorf("constructor wants %d argument(s), manifest provides %d", len(inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, input := range inputs {
		v, err := coerceArg(input.Type, raw[i], book)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i+1, input.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func coerceArg(t abi.Type, raw any, book *AddressBook) (any, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		return coerceInteger(t, raw)
	case abi.AddressTy:
		return coerceAddress(raw, book)
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case abi.BytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string, got %T", raw)
		}
		return common.FromHex(s), nil
	case abi.FixedBytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string, got %T", raw)
		}
		data := common.FromHex(s)
		if len(data) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(data))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(data))
		return arr.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported constructor argument type %s", t.String())
	}
}

// coerceAddress accepts a hex address or a "$ContractName" reference to an
// earlier migration in the same run.
func coerceAddress(raw any, book *AddressBook) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected address string, got %T", raw)
	}
	if name, isRef := strings.CutPrefix(s, "$"); isRef {
		addr, deployed := book.Get(name)
		if !deployed {
			return nil, fmt.Errorf("references %s, which has not been deployed yet", name)
		}
		return addr, nil
	}
	if !common.IsHexAddress(s) {
		return nil, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

// coerceInteger widens YAML scalars into the exact Go type the ABI encoder
// expects for the integer's bit size.
func coerceInteger(t abi.Type, raw any) (any, error) {
	n, err := toBigInt(raw)
	if err != nil {
		return nil, err
	}
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s for unsigned type", n)
	}

	goType := t.GetType()
	switch goType.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if !n.IsUint64() {
			return nil, fmt.Errorf("value %s overflows %s", n, t)
		}
		v := n.Uint64()
		if bits := uint(t.Size); bits < 64 && v >= 1<<bits {
			return nil, fmt.Errorf("value %s overflows %s", n, t)
		}
		rv := reflect.New(goType).Elem()
		rv.SetUint(v)
		return rv.Interface(), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if !n.IsInt64() {
			return nil, fmt.Errorf("value %s overflows %s", n, t)
		}
		v := n.Int64()
		if bits := uint(t.Size); bits < 64 {
			limit := int64(1) << (bits - 1)
			if v >= limit || v < -limit {
				return nil, fmt.Errorf("value %s overflows %s", n, t)
			}
		}
		rv := reflect.New(goType).Elem()
		rv.SetInt(v)
		return rv.Interface(), nil
	default:
		// Larger sizes pack as *big.Int.
		return n, nil
	}
}

func toBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		f := big.NewFloat(v)
		n, accuracy := f.Int(nil)
		if accuracy != big.Exact {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return n, nil
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v), 0)
		if !ok {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", raw)
	}
}
