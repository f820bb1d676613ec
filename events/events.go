// Package events publishes payment redemptions to downstream consumers
// (accounting, analytics). Publishing is best effort and never affects
// whether a request is admitted.
package events

import (
	"context"
	"time"
)

// Redemption is emitted once per successfully redeemed proof.
type Redemption struct {
	TxHash      string    `json:"txHash"`
	ServiceID   string    `json:"serviceId"`
	Network     string    `json:"network"`
	Payer       string    `json:"payer"`
	Recipient   string    `json:"recipient"`
	AmountRaw   string    `json:"amountRaw"`
	AmountUSD   string    `json:"amountUsd"`
	PriceUSD    string    `json:"priceUsd"`
	BlockNumber uint64    `json:"blockNumber"`
	RedeemedAt  time.Time `json:"redeemedAt"`
}

type Publisher interface {
	PublishRedemption(ctx context.Context, r Redemption) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishRedemption(context.Context, Redemption) error { return nil }
func (NoopPublisher) Close() error                                      { return nil }
