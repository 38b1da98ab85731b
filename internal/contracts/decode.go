package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

func first(res gateway.Result, method string) (any, error) {
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing", types.ErrMalformedRecord, method)
	}
	return res[0], nil
}

func decodeBig(res gateway.Result, method string) (*big.Int, error) {
	v, err := first(res, method)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			break
		}
		return new(big.Int).Set(t), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	case int64:
		return big.NewInt(t), nil
	case int:
		return big.NewInt(int64(t)), nil
	}
	return nil, fmt.Errorf("%w: %s returned %T, want integer", types.ErrMalformedRecord, method, v)
}

func decodeStatusCode(res gateway.Result, method string) (uint8, error) {
	v, err := first(res, method)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case uint8:
		return t, nil
	case *big.Int:
		if t != nil && t.IsUint64() && t.Uint64() <= 255 {
			return uint8(t.Uint64()), nil
		}
	}
	return 0, fmt.Errorf("%w: %s returned %v, want status code", types.ErrMalformedRecord, method, v)
}

func decodeString(res gateway.Result, method string) (string, error) {
	v, err := first(res, method)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case common.Address:
		return t.Hex(), nil
	}
	return "", fmt.Errorf("%w: %s returned %T, want identifier", types.ErrMalformedRecord, method, v)
}

func decodeStrings(res gateway.Result, method string) ([]string, error) {
	v, err := first(res, method)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []common.Address:
		out := make([]string, len(t))
		for i, a := range t {
			out[i] = a.Hex()
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s returned %T, want id list", types.ErrMalformedRecord, method, v)
}
