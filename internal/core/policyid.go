package core

import (
	"encoding/binary"

	sdkmath "cosmossdk.io/math"
	"golang.org/x/crypto/sha3"

	"DepegLedger/internal/ledger"
	"DepegLedger/internal/state"
)

// HashPolicy derives the policy id:
// keccak256(holder[20] ‖ uint256 insuredAmount ‖ uint256 timestamp ‖ uint256 duration),
// each integer big-endian and left-padded to 32 bytes.
// insuredAmount must be non-negative.
func HashPolicy(holder ledger.Address, insuredAmount sdkmath.Int, timestamp, duration uint64) state.PolicyID {
	buf := make([]byte, 0, 20+32*3)
	buf = append(buf, holder[:]...)

	var word [32]byte
	insuredAmount.BigInt().FillBytes(word[:])
	buf = append(buf, word[:]...)

	buf = appendUint256(buf, timestamp)
	buf = appendUint256(buf, duration)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf)

	var id state.PolicyID
	copy(id[:], h.Sum(nil))
	return id
}

func appendUint256(buf []byte, v uint64) []byte {
	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], v)
	return append(buf, word[:]...)
}
