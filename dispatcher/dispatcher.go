// Package dispatcher routes an admitted request to the capability that
// implements the requested service.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/metrics"
	"github.com/vitwit/paygate/types"
)

// Capability performs one service call and returns a JSON-encodable value.
type Capability func(ctx context.Context, body json.RawMessage) (any, error)

// Checker validates a request body before any payment is taken.
type Checker func(body json.RawMessage) error

type entry struct {
	call  Capability
	check Checker
}

// Dispatcher is a registry of capabilities keyed by service ID.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[string]entry
	log     logger.Logger
	metrics metrics.Recorder
}

func New(log logger.Logger, rec metrics.Recorder) *Dispatcher {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Dispatcher{
		entries: make(map[string]entry),
		log:     log,
		metrics: rec,
	}
}

// Register binds serviceID to c. check may be nil. A later registration
// replaces an earlier one.
func (d *Dispatcher) Register(serviceID string, c Capability, check Checker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[serviceID] = entry{call: c, check: check}
}

func (d *Dispatcher) Has(serviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[serviceID]
	return ok
}

// Services lists registered service IDs in sorted order.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for id := range d.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) lookup(serviceID string) (entry, error) {
	d.mu.RLock()
	e, ok := d.entries[serviceID]
	d.mu.RUnlock()
	if !ok {
		return entry{}, &types.X402Error{
			Code:    types.ErrUnknownService,
			Message: fmt.Sprintf("unknown service: %s", serviceID),
		}
	}
	return e, nil
}

// Validate checks body for serviceID without running the capability.
func (d *Dispatcher) Validate(serviceID string, body json.RawMessage) error {
	e, err := d.lookup(serviceID)
	if err != nil {
		return err
	}
	if e.check == nil {
		return nil
	}
	return e.check(body)
}

// Dispatch runs the capability for serviceID. Capability failures are
// returned as ErrServiceFailed unless they already carry an X402Error.
func (d *Dispatcher) Dispatch(ctx context.Context, serviceID string, body json.RawMessage) (any, error) {
	e, err := d.lookup(serviceID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := e.call(ctx, body)
	d.metrics.ObserveLatency("dispatch", time.Since(start), map[string]string{"service": serviceID})

	if err != nil {
		d.metrics.IncCounter(metrics.EventDispatchFailed, map[string]string{"service": serviceID})
		d.log.Error("capability failed", map[string]any{
			"service": serviceID,
			"error":   err.Error(),
		})
		var xerr *types.X402Error
		if errors.As(err, &xerr) {
			return nil, err
		}
		return nil, &types.X402Error{
			Code:    types.ErrServiceFailed,
			Message: fmt.Sprintf("service %s failed: %v", serviceID, err),
		}
	}
	return out, nil
}
