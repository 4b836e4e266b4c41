package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// uintArg converts v to the Go type the ABI packer expects for arg.
func uintArg(arg abi.Argument, v *big.Int) (any, error) {
	if arg.Type.T != abi.UintTy {
		return nil, fmt.Errorf("argument %q has type %s, want an unsigned integer", arg.Name, arg.Type.String())
	}
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.BitLen() > arg.Type.Size {
		return nil, fmt.Errorf("argument %q: %s does not fit in %s", arg.Name, v, arg.Type.String())
	}

	switch arg.Type.Size {
	case 8:
		return uint8(v.Uint64()), nil
	case 16:
		return uint16(v.Uint64()), nil
	case 32:
		return uint32(v.Uint64()), nil
	case 64:
		return v.Uint64(), nil
	default:
		return new(big.Int).Set(v), nil
	}
}
