// Package channel verifies payment-channel authorizations: the caller holds
// an escrow-backed channel with the operator and signs successive channel
// states, each strictly advancing the nonce, and the server decrements the
// in-memory balance by the per-request price.
package channel

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paygate-labs/paygate-go/encoding"
)

// PaymentChannel is the channel state the caller signs and the server tracks.
// On the wire the addresses are hex strings and the u256 fields are decimal
// strings.
type PaymentChannel struct {
	// Address is the escrow contract holding the channel's funds.
	Address common.Address

	// Sender is the paying party; signatures must recover to it.
	Sender common.Address

	// Recipient is the operator's payout address.
	Recipient common.Address

	// Balance is the remaining channel allowance in base units.
	Balance *big.Int

	// Nonce strictly increases with every accepted state.
	Nonce *big.Int

	// Expiration is the channel deadline in unix seconds.
	Expiration *big.Int

	// ChannelID identifies the channel within the escrow contract.
	ChannelID *big.Int
}

type wireChannel struct {
	Address    string `json:"address"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Balance    string `json:"balance"`
	Nonce      string `json:"nonce"`
	Expiration string `json:"expiration"`
	ChannelID  string `json:"channel_id"`
}

// MarshalJSON renders the channel in its wire form.
func (c PaymentChannel) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireChannel{
		Address:    c.Address.Hex(),
		Sender:     c.Sender.Hex(),
		Recipient:  c.Recipient.Hex(),
		Balance:    encoding.FormatU256(c.Balance),
		Nonce:      encoding.FormatU256(c.Nonce),
		Expiration: encoding.FormatU256(c.Expiration),
		ChannelID:  encoding.FormatU256(c.ChannelID),
	})
}

// UnmarshalJSON parses the wire form, validating every field.
func (c *PaymentChannel) UnmarshalJSON(data []byte) error {
	var w wireChannel
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var err error
	if c.Address, err = encoding.ParseAddress(w.Address); err != nil {
		return fmt.Errorf("channel address: %w", err)
	}
	if c.Sender, err = encoding.ParseAddress(w.Sender); err != nil {
		return fmt.Errorf("channel sender: %w", err)
	}
	if c.Recipient, err = encoding.ParseAddress(w.Recipient); err != nil {
		return fmt.Errorf("channel recipient: %w", err)
	}
	if c.Balance, err = encoding.ParseU256(w.Balance); err != nil {
		return fmt.Errorf("channel balance: %w", err)
	}
	if c.Nonce, err = encoding.ParseU256(w.Nonce); err != nil {
		return fmt.Errorf("channel nonce: %w", err)
	}
	if c.Expiration, err = encoding.ParseU256(w.Expiration); err != nil {
		return fmt.Errorf("channel expiration: %w", err)
	}
	if c.ChannelID, err = encoding.ParseU256(w.ChannelID); err != nil {
		return fmt.Errorf("channel id: %w", err)
	}
	return nil
}

// Clone deep-copies the channel so table snapshots cannot alias live big.Ints.
func (c PaymentChannel) Clone() PaymentChannel {
	out := c
	if c.Balance != nil {
		out.Balance = new(big.Int).Set(c.Balance)
	}
	if c.Nonce != nil {
		out.Nonce = new(big.Int).Set(c.Nonce)
	}
	if c.Expiration != nil {
		out.Expiration = new(big.Int).Set(c.Expiration)
	}
	if c.ChannelID != nil {
		out.ChannelID = new(big.Int).Set(c.ChannelID)
	}
	return out
}

// Payload is the scheme-specific part of the X-PAYMENT header.
type Payload struct {
	// Signature is the hex-encoded 65-byte signature over Message.
	Signature string `json:"signature"`

	// Message is the hex-encoded 32-byte channel state digest the caller
	// signed.
	Message string `json:"message"`

	// PaymentChannel is the channel state being submitted.
	PaymentChannel PaymentChannel `json:"payment_channel"`

	// Timestamp is the caller's clock in unix seconds, bounded by the skew
	// window.
	Timestamp uint64 `json:"timestamp"`
}

// Config holds the per-acceptance verification parameters in base units.
type Config struct {
	// Token is the ERC-20 the escrow must report via token().
	Token common.Address

	// Recipient is the address the escrow must pay out to.
	Recipient common.Address

	// Amount is the per-request price deducted from the channel balance.
	Amount *big.Int

	// Skew bounds how old a submitted timestamp may be.
	Skew time.Duration

	// BindBody includes the raw request body bytes in the signed digest.
	BindBody bool
}
