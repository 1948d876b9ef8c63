package domain

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ─── EVM Address Helpers ────────────────────────────────────────────────────
// Payout addresses must be EIP-55 checksummed. Agent wallets get a
// deterministic pseudo-address in the same format.

// ChecksumAddress returns the EIP-55 form of a 20-byte hex address.
// The input may carry a 0x prefix and any letter case.
func ChecksumAddress(addr string) (string, error) {
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(body) != 40 {
		return "", Invalid("payout_address", "must be 20 bytes (40 hex characters)")
	}
	lower := strings.ToLower(body)
	if _, err := hex.DecodeString(lower); err != nil {
		return "", Invalid("payout_address", "must be hexadecimal")
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := make([]byte, 40)
	for i := 0; i < 40; i++ {
		c := lower[i]
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && c <= 'f' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out), nil
}

// ValidatePayoutAddress accepts only a 0x-prefixed address whose letter case
// matches its EIP-55 checksum exactly.
func ValidatePayoutAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") {
		return Invalid("payout_address", "must start with 0x")
	}
	want, err := ChecksumAddress(addr)
	if err != nil {
		return err
	}
	if want != addr {
		return Invalid("payout_address", "checksum mismatch")
	}
	return nil
}

// DeriveAgentAddress derives the deterministic pseudo-address of an agent
// wallet from its token id and, when present, its identity anchor.
func DeriveAgentAddress(tokenID, anchor string) string {
	seed := "settle-agent:" + tokenID
	if anchor != "" {
		seed += ":" + anchor
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(seed))
	digest := h.Sum(nil)
	// Last 20 bytes, as an EVM address is derived from a public key hash.
	addr, _ := ChecksumAddress(hex.EncodeToString(digest[12:]))
	return addr
}
