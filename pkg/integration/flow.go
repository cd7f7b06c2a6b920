package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/srp"
)

// Flow error codes reported to whoever is configuring an account.
const (
	CodeInvalidAccount    = "invalid_account"
	CodeInvalidAuth       = "invalid_auth"
	CodeUnknown           = "unknown"
	CodeAlreadyConfigured = "already_configured"
)

// FlowError is returned when an account cannot be configured. Abort is true
// when the flow cannot be retried with corrected input.
type FlowError struct {
	Code  string
	Abort bool
	Err   error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// FlowErrorCode returns the code of a *FlowError in err's chain, or "" if
// there is none.
func FlowErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Validator checks account credentials against the API.
type Validator interface {
	Validate(ctx context.Context) (bool, error)
}

// ValidateInput checks that the credentials of an account are accepted.
// Malformed or unknown accounts and rejected credentials can be corrected and
// retried, any other failure aborts.
func ValidateInput(ctx context.Context, v Validator) error {
	ok, err := v.Validate(ctx)
	switch {
	case errors.Is(err, srp.ErrInvalidAccount):
		return &FlowError{Code: CodeInvalidAccount, Err: err}
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "unexpected error validating account", slog.Any("error", err))
		return &FlowError{Code: CodeUnknown, Abort: true, Err: err}
	case !ok:
		return &FlowError{Code: CodeInvalidAuth}
	}
	return nil
}
