package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Digest computes the signed channel state hash:
// keccak256(channelID ‖ balance ‖ nonce ‖ body) with each integer packed as
// a big-endian 32-byte word and the body appended raw.
func Digest(channelID, balance, nonce *big.Int, body []byte) []byte {
	packed := make([]byte, 0, 3*32+len(body))
	packed = append(packed, math.U256Bytes(new(big.Int).Set(channelID))...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(balance))...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(nonce))...)
	packed = append(packed, body...)
	return crypto.Keccak256(packed)
}
