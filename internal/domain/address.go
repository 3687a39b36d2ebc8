package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateAddress performs a light syntactic check of a destination address.
// EVM chains require a 20-byte hex address; other chains only require a
// non-empty value without whitespace, since their formats are owned by the
// gateway.
func ValidateAddress(chain Chain, addr string) error {
	if addr == "" || strings.ContainsAny(addr, " \t\r\n") {
		return fmt.Errorf("%w: %q on %s", ErrInvalidAddress, addr, chain)
	}
	if chain.IsEVM() && !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q is not a hex address on %s", ErrInvalidAddress, addr, chain)
	}
	return nil
}

// CanonicalAddress returns the checksummed form of EVM addresses and the
// input unchanged for other chains.
func CanonicalAddress(chain Chain, addr string) string {
	if chain.IsEVM() && common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}
