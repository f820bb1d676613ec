package metrics

import "time"

// Recorder receives gateway events. Label keys that a backend does not know
// are ignored.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names used across the gateway.
const (
	EventAdmitted        = "admitted"
	EventPaymentRequired = "payment_required"
	EventUnavailable     = "unavailable"
	EventVerifyFailed    = "verify_failed"
	EventRedeemed        = "redeemed"
	EventDispatchFailed  = "dispatch_failed"
	EventRPCError        = "rpc_error"
)

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
