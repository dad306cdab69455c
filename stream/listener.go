package stream

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/paygate-labs/paygate-go/evm"
	"github.com/paygate-labs/paygate-go/retry"
)

// LogSubscriber opens websocket log subscriptions.
type LogSubscriber interface {
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Listener watches FlowUpdated events for the configured token and recipient
// and evicts cached streams whose rate no longer matches. It owns the
// subscription; the only table write it performs is Invalidate.
type Listener struct {
	Client LogSubscriber
	Table  *Table
	Config Config
}

// Run subscribes and processes events until ctx is cancelled, reconnecting
// with backoff after transport failures.
func (l *Listener) Run(ctx context.Context) {
	retry.Forever(ctx, retry.ListenerConfig, l.subscribe)
}

func (l *Listener) subscribe(ctx context.Context) error {
	logs := make(chan types.Log, 16)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.Config.CFA},
		Topics: [][]common.Hash{
			{evm.FlowUpdatedTopic},
			{evm.AddressTopic(l.Config.Token)},
			nil, // any sender
			{evm.AddressTopic(l.Config.Recipient)},
		},
	}

	sub, err := l.Client.SubscribeLogs(ctx, query, logs)
	if err != nil {
		slog.Error("stream listener subscribe failed", "err", err)
		return err
	}
	defer sub.Unsubscribe()

	slog.Info("stream listener subscribed",
		"cfa", l.Config.CFA.Hex(),
		"token", l.Config.Token.Hex(),
		"recipient", l.Config.Recipient.Hex())

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			slog.Warn("stream listener subscription lost", "err", err)
			return err
		case lg := <-logs:
			l.handle(lg)
		}
	}
}

// handle evicts the sender's cache entry when the event's flow rate differs
// from the configured one. Decode failures skip the event.
func (l *Listener) handle(lg types.Log) {
	if len(lg.Topics) < 3 {
		return
	}
	sender := evm.AddressFromTopic(lg.Topics[2])

	if _, ok := l.Table.Get(sender); !ok {
		return
	}

	if len(lg.Data) < 32 {
		slog.Warn("flow update event too short", "sender", sender.Hex(), "len", len(lg.Data))
		return
	}
	rate, err := evm.DecodeSignedWord(lg.Data[:32])
	if err != nil {
		slog.Warn("flow rate decode failed", "sender", sender.Hex(), "err", err)
		return
	}

	if rate.Cmp(l.Config.FlowRate) != 0 {
		slog.Info("stream modified, evicting cached verification",
			"sender", sender.Hex(),
			"flow_rate", rate.String())
		l.Table.Invalidate(sender)
	}
}
