package paygate

import (
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/events"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/redemption"
)

type Option func(*App)

func WithLogger(l logger.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(a *App) {
		a.metrics = r
	}
}

// WithChainReader uses r instead of dialing chain.rpc_url. The App does not
// close it.
func WithChainReader(r clients.ChainReader) Option {
	return func(a *App) {
		a.reader = r
	}
}

// WithStore uses s instead of opening store.driver. The App does not close it.
func WithStore(s redemption.Store) Option {
	return func(a *App) {
		a.store = s
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(a *App) {
		a.publisher = p
	}
}
