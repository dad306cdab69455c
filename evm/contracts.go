package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI fragments for the two contracts the gateway reads: the payment channel
// escrow and the Superfluid CFAv1Forwarder.

const escrowABIJSON = `[
  {"type":"function","name":"getChannelInfo","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"balance","type":"uint256"},
     {"name":"expiration","type":"uint256"},
     {"name":"channelId","type":"uint256"},
     {"name":"sender","type":"address"},
     {"name":"recipient","type":"address"},
     {"name":"pricePerRequest","type":"uint256"}]},
  {"type":"function","name":"token","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"close","stateMutability":"nonpayable",
   "inputs":[
     {"name":"channelBalance","type":"uint256"},
     {"name":"nonce","type":"uint256"},
     {"name":"rawBody","type":"bytes"},
     {"name":"signature","type":"bytes"}],
   "outputs":[]}
]`

const cfaForwarderABIJSON = `[
  {"type":"function","name":"getFlowInfo","stateMutability":"view",
   "inputs":[
     {"name":"token","type":"address"},
     {"name":"sender","type":"address"},
     {"name":"receiver","type":"address"}],
   "outputs":[
     {"name":"lastUpdated","type":"uint256"},
     {"name":"flowrate","type":"int96"},
     {"name":"deposit","type":"uint256"},
     {"name":"owedDeposit","type":"uint256"}]}
]`

var (
	escrowABI       = mustParseABI(escrowABIJSON)
	cfaForwarderABI = mustParseABI(cfaForwarderABIJSON)

	// TransferTopic is the topic0 of the ERC-20 Transfer event.
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// FlowUpdatedTopic is the topic0 of Superfluid's FlowUpdated event:
	// FlowUpdated(token indexed, sender indexed, receiver indexed,
	// int96 flowRate, int256 totalSenderFlowRate,
	// int256 totalReceiverFlowRate, bytes userData).
	FlowUpdatedTopic = common.HexToHash("0x57269d2ebcccecdcc0d9d2c0a0b80ead95f344e28ec20f50f709811f209d4e0e")
)

func mustParseABI(jsonABI string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChannelInfo is the escrow contract's view of a payment channel.
type ChannelInfo struct {
	Balance         *big.Int
	Expiration      *big.Int
	ChannelID       *big.Int
	Sender          common.Address
	Recipient       common.Address
	PricePerRequest *big.Int
}

// PackGetChannelInfo encodes a getChannelInfo() call.
func PackGetChannelInfo() []byte {
	data, err := escrowABI.Pack("getChannelInfo")
	if err != nil {
		panic(err) // zero-arg pack cannot fail
	}
	return data
}

// UnpackChannelInfo decodes a getChannelInfo() result.
func UnpackChannelInfo(data []byte) (ChannelInfo, error) {
	values, err := escrowABI.Unpack("getChannelInfo", data)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("unpack getChannelInfo: %w", err)
	}
	if len(values) != 6 {
		return ChannelInfo{}, fmt.Errorf("unpack getChannelInfo: got %d values, want 6", len(values))
	}
	info := ChannelInfo{
		Balance:         values[0].(*big.Int),
		Expiration:      values[1].(*big.Int),
		ChannelID:       values[2].(*big.Int),
		Sender:          values[3].(common.Address),
		Recipient:       values[4].(common.Address),
		PricePerRequest: values[5].(*big.Int),
	}
	return info, nil
}

// PackToken encodes a token() call.
func PackToken() []byte {
	data, err := escrowABI.Pack("token")
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackToken decodes a token() result.
func UnpackToken(data []byte) (common.Address, error) {
	values, err := escrowABI.Unpack("token", data)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack token: %w", err)
	}
	return values[0].(common.Address), nil
}

// PackClose encodes a close(balance, nonce, rawBody, signature) call.
func PackClose(balance, nonce *big.Int, rawBody, signature []byte) ([]byte, error) {
	if rawBody == nil {
		rawBody = []byte{}
	}
	data, err := escrowABI.Pack("close", balance, nonce, rawBody, signature)
	if err != nil {
		return nil, fmt.Errorf("pack close: %w", err)
	}
	return data, nil
}

// FlowInfo is the forwarder's view of a constant flow agreement.
type FlowInfo struct {
	LastUpdated *big.Int
	FlowRate    *big.Int // signed, base units per second
	Deposit     *big.Int
	OwedDeposit *big.Int
}

// PackGetFlowInfo encodes a getFlowInfo(token, sender, receiver) call.
func PackGetFlowInfo(token, sender, receiver common.Address) ([]byte, error) {
	data, err := cfaForwarderABI.Pack("getFlowInfo", token, sender, receiver)
	if err != nil {
		return nil, fmt.Errorf("pack getFlowInfo: %w", err)
	}
	return data, nil
}

// UnpackFlowInfo decodes a getFlowInfo result.
func UnpackFlowInfo(data []byte) (FlowInfo, error) {
	values, err := cfaForwarderABI.Unpack("getFlowInfo", data)
	if err != nil {
		return FlowInfo{}, fmt.Errorf("unpack getFlowInfo: %w", err)
	}
	if len(values) != 4 {
		return FlowInfo{}, fmt.Errorf("unpack getFlowInfo: got %d values, want 4", len(values))
	}
	return FlowInfo{
		LastUpdated: values[0].(*big.Int),
		FlowRate:    values[1].(*big.Int),
		Deposit:     values[2].(*big.Int),
		OwedDeposit: values[3].(*big.Int),
	}, nil
}

// two256 is the modulus for two's-complement decoding of a 32-byte word.
var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// DecodeSignedWord interprets a 32-byte ABI word as a signed integer.
// FlowUpdated carries the int96 flow rate sign-extended into the first data
// word, so negative rates have the high bit set.
func DecodeSignedWord(word []byte) (*big.Int, error) {
	if len(word) != 32 {
		return nil, fmt.Errorf("signed word must be 32 bytes, got %d", len(word))
	}
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		v.Sub(v, two256)
	}
	return v, nil
}

// AddressFromTopic extracts the address packed into an indexed event topic.
func AddressFromTopic(topic common.Hash) common.Address {
	return common.BytesToAddress(topic[12:])
}

// AddressTopic left-pads an address into topic form for log filters.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
