package main

import (
	"encoding/json"
	"math/big"
	"os"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/polareth/evmstate-sub002/trace"
)

// recordFile is the on-disk shape of a call record. Arguments carry their
// solidity type as a string and are coerced into the Go values the abi
// package expects.
type recordFile struct {
	Touched  []common.Address                           `json:"touched"`
	Slots    map[common.Address][]trace.SlotObservation `json:"slots"`
	Accounts map[common.Address]trace.IntrinsicState    `json:"accounts,omitempty"`
	Ops      []trace.OpRecord                           `json:"ops,omitempty"`
	Args     []argSpec                                  `json:"args,omitempty"`
}

type argSpec struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func loadRecord(path string) (*trace.CallRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read record")
	}
	var file recordFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse record")
	}
	rec := &trace.CallRecord{
		Touched:  file.Touched,
		Slots:    file.Slots,
		Accounts: file.Accounts,
		Ops:      file.Ops,
	}
	for i, spec := range file.Args {
		arg, err := buildArgument(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "record argument %d (%s)", i, spec.Type)
		}
		rec.Args = append(rec.Args, arg)
	}
	return rec, nil
}

func buildArgument(spec argSpec) (trace.CallArgument, error) {
	t, err := abi.NewType(spec.Type, "", nil)
	if err != nil {
		return trace.CallArgument{}, err
	}
	v, err := coerceValue(t, spec.Value)
	if err != nil {
		return trace.CallArgument{}, err
	}
	return trace.CallArgument{Type: t, Value: v}, nil
}

// coerceValue converts a JSON value into the exact Go representation the
// abi package packs for the given type.
func coerceValue(t abi.Type, raw json.RawMessage) (any, error) {
	switch t.T {
	case abi.AddressTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return common.HexToAddress(s), nil

	case abi.BoolTy:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil

	case abi.StringTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil

	case abi.UintTy, abi.IntTy:
		n, err := parseBig(raw)
		if err != nil {
			return nil, err
		}
		goType := t.GetType()
		if goType == reflect.TypeOf(&big.Int{}) {
			return n, nil
		}
		rv := reflect.New(goType).Elem()
		switch rv.Kind() {
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			rv.SetUint(n.Uint64())
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			rv.SetInt(n.Int64())
		default:
			return nil, errors.Errorf("unsupported integer width for %s", t.String())
		}
		return rv.Interface(), nil

	case abi.FixedBytesTy, abi.HashTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		rv := reflect.New(t.GetType()).Elem()
		if len(b) != rv.Len() {
			return nil, errors.Errorf("expected %d bytes for %s, got %d", rv.Len(), t.String(), len(b))
		}
		reflect.Copy(rv, reflect.ValueOf(b))
		return rv.Interface(), nil

	case abi.BytesTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return hexutil.Decode(s)

	case abi.SliceTy, abi.ArrayTy:
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, err
		}
		if t.T == abi.ArrayTy && len(elems) != t.Size {
			return nil, errors.Errorf("expected %d elements for %s, got %d", t.Size, t.String(), len(elems))
		}
		var rv reflect.Value
		if t.T == abi.SliceTy {
			rv = reflect.MakeSlice(t.GetType(), len(elems), len(elems))
		} else {
			rv = reflect.New(t.GetType()).Elem()
		}
		for i, e := range elems {
			ev, err := coerceValue(*t.Elem, e)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			rv.Index(i).Set(reflect.ValueOf(ev))
		}
		return rv.Interface(), nil
	}
	return nil, errors.Errorf("unsupported argument type %s", t.String())
}

// parseBig reads a JSON number, a decimal string or a 0x-prefixed hex
// string into a big integer.
func parseBig(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Not a string: fall back to a bare JSON number.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, errors.New("expected number or numeric string")
		}
		s = n.String()
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, errors.Errorf("malformed integer %q", s)
	}
	return v, nil
}
