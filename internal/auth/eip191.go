package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// DecodeSignature parses a hex signature with or without the 0x prefix.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature hex: %w", err)
	}
	return sig, nil
}

// Recover extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}

	// ecrecover expects V in {0,1}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Allowlist is the set of operator addresses allowed to sign requests.
type Allowlist map[common.Address]bool

// NewAllowlist parses hex addresses. An empty list allows nobody.
func NewAllowlist(addrs []string) (Allowlist, error) {
	al := make(Allowlist, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("operator address %q is not a hex address", a)
		}
		al[common.HexToAddress(a)] = true
	}
	return al, nil
}

func (al Allowlist) Allowed(addr common.Address) bool { return al[addr] }
