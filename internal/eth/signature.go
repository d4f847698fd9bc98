// Package eth implements stateless wallet signature recovery. It verifies
// EIP-191 personal-sign signatures by recovering the signer address from the
// message digest; the recovered address is the source of truth, never the
// caller-supplied one.
package eth

import (
	"crypto/subtle"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainpass/wcsap/core"
)

const signatureLength = 65

// RecoverSigner recovers the wallet address that produced signature over the
// EIP-191 personal-sign digest of message. The signature is the usual
// 65-byte r||s||v form with v in {0, 1, 27, 28}.
func RecoverSigner(message string, signature []byte) (common.Address, error) {
	if len(signature) != signatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes: %w", signatureLength, core.ErrInvalidSignature)
	}

	// Wallets emit v as 27/28; secp256k1 recovery wants 0/1.
	sig := make([]byte, signatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d: %w", sig[64], core.ErrInvalidSignature)
	}

	digest := accounts.TextHash([]byte(message))
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("public key recovery failed: %w", core.ErrInvalidSignature)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifySignature recovers the signer of message and compares it against the
// claimed address in constant time. A mismatch is an authentication failure;
// the claimed address is never trusted.
func VerifySignature(message, signatureHex, claimedAddress string) error {
	if !common.IsHexAddress(claimedAddress) {
		return core.ErrInvalidAddress
	}

	signature, err := hexutil.Decode(signatureHex)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}

	recovered, err := RecoverSigner(message, signature)
	if err != nil {
		return err
	}

	claimed := common.HexToAddress(claimedAddress)
	if !EqualAddresses(recovered, claimed) {
		return core.ErrInvalidSignature
	}

	return nil
}

// EqualAddresses compares two addresses in constant time.
func EqualAddresses(a, b common.Address) bool {
	return subtle.ConstantTimeCompare(a.Bytes(), b.Bytes()) == 1
}

// Checksum returns the EIP-55 checksummed form of an address string, or an
// error if it is not a valid hex address.
func Checksum(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", core.ErrInvalidAddress
	}
	return common.HexToAddress(address).Hex(), nil
}
