package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/paygate/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// DecodeStrict parses a single JSON document into out, rejecting unknown
// fields and trailing data, then validates struct tags. Any failure is
// reported and nothing partial should be used by the caller.
func DecodeStrict(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(out); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse payload: %v", err),
		}
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "unexpected data after JSON document",
		}
	}

	if err := validate.Struct(out); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return nil
}
