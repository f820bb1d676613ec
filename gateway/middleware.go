package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/types"
)

// Context keys set by the middleware.
const (
	ContextDecision  = "paygate.decision"
	ContextBody      = "paygate.body"
	ContextRequestID = "paygate.request_id"
)

const maxRequestBody = 1 << 20

// RequestValidator checks a request body before payment is taken.
type RequestValidator func(serviceID string, body json.RawMessage) error

// Middleware gates the route's :service parameter. The request body is read
// once and validated before admission so a malformed request never consumes a
// payment; it is stored under ContextBody for the handler.
func (g *Gate) Middleware(validate RequestValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceID := c.Param("service")

		if _, ok := g.Price(serviceID); !ok {
			d := &AdmitDecision{Outcome: OutcomeUnknownService, ServiceID: serviceID, Detail: "unknown service: " + serviceID}
			c.Set(ContextDecision, d)
			c.AbortWithStatusJSON(d.Status(), errorBody(d))
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
		if err != nil || len(body) > maxRequestBody {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{
				Error: "Request body unreadable or too large",
				Code:  types.ErrInvalidPayload,
			})
			return
		}
		c.Set(ContextBody, json.RawMessage(body))

		if validate != nil {
			if err := validate(serviceID, body); err != nil {
				status, eb := dispatchError(err)
				c.AbortWithStatusJSON(status, eb)
				return
			}
		}

		d := g.Admit(c.Request.Context(), AdmitRequest{
			ServiceID:     serviceID,
			PaymentHeader: c.GetHeader(HeaderPaymentSignature),
			SenderHeader:  c.GetHeader(HeaderPaymentSender),
			WindowHeader:  c.GetHeader(HeaderPaymentWindow),
			APIKey:        c.GetHeader(g.cfg.APIKeyHeader),
		})
		c.Set(ContextDecision, d)

		if d.RetryAfter > 0 {
			c.Header(HeaderRetryAfter, strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)))
		}

		switch d.Outcome {
		case OutcomeAdmitted:
			if d.Method == MethodPayment {
				if h, err := g.paymentResponseHeader(d); err == nil {
					c.Header(HeaderPaymentResponse, h)
				}
			}
			c.Next()
		case OutcomePaymentRequired:
			c.Header(HeaderPaymentRequired, g.paymentRequiredHeader(d))
			c.AbortWithStatusJSON(d.Status(), g.paymentRequiredBody(d))
		default:
			c.AbortWithStatusJSON(d.Status(), errorBody(d))
		}
	}
}

// Decision returns the admission decision stored by Middleware.
func Decision(c *gin.Context) (*AdmitDecision, bool) {
	v, ok := c.Get(ContextDecision)
	if !ok {
		return nil, false
	}
	d, ok := v.(*AdmitDecision)
	return d, ok
}

// dispatchError maps a validation or capability error onto a response.
// Payment state is never touched here.
func dispatchError(err error) (int, ErrorBody) {
	var xerr *types.X402Error
	if !errors.As(err, &xerr) {
		return http.StatusBadGateway, ErrorBody{Error: "Service failed", Code: types.ErrServiceFailed}
	}
	switch xerr.Code {
	case types.ErrInvalidPayload:
		return http.StatusBadRequest, ErrorBody{Error: "Invalid request", Code: xerr.Code, Detail: xerr.Message}
	case types.ErrUnknownService:
		return http.StatusNotFound, ErrorBody{Error: "Unknown service", Code: xerr.Code, Detail: xerr.Message}
	default:
		return http.StatusBadGateway, ErrorBody{Error: "Service failed", Code: xerr.Code}
	}
}

// RequestID tags each request with an X-Request-ID, reusing the caller's.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]any{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
			"clientIp":  c.ClientIP(),
		}
		if id, ok := c.Get(ContextRequestID); ok {
			fields["requestId"] = id
		}
		if d, ok := Decision(c); ok {
			fields["service"] = d.ServiceID
			fields["outcome"] = string(d.Outcome)
			if d.Method != "" {
				fields["admittedBy"] = string(d.Method)
			}
			if d.Reason != "" {
				fields["reason"] = string(d.Reason)
			}
		}

		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields)
		default:
			log.Info("request", fields)
		}
	}
}
