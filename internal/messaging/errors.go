package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// SendError is a delivery failure with a known classification.
type SendError struct {
	Type       models.ErrorType
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError wraps err with an explicit classification.
func NewSendError(t models.ErrorType, err error) *SendError {
	return &SendError{Type: t, Err: err}
}

// ErrorTypeForStatus maps an HTTP status code to an error type.
func ErrorTypeForStatus(code int) models.ErrorType {
	switch {
	case code == http.StatusTooManyRequests:
		return models.ErrorTypeRateLimit
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return models.ErrorTypeValidation
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.ErrorTypeTimeout
	case code >= 400:
		return models.ErrorTypeAPIError
	default:
		return models.ErrorTypeUnknown
	}
}

// errorTypeForSMTPCode maps an SMTP reply code to an error type.
func errorTypeForSMTPCode(code int) models.ErrorType {
	switch code {
	case 421, 450, 451, 452:
		return models.ErrorTypeRateLimit
	case 501, 550, 551, 553:
		return models.ErrorTypeValidation
	}
	if code >= 400 {
		return models.ErrorTypeAPIError
	}
	return models.ErrorTypeUnknown
}

// Classify derives the dead-letter error type for a send error.
// Anything that cannot be recognized is UNKNOWN.
func Classify(err error) models.ErrorType {
	if err == nil {
		return models.ErrorTypeUnknown
	}
	var se *SendError
	if errors.As(err, &se) && se.Type != "" {
		return se.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTypeTimeout
	}
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		return errorTypeForSMTPCode(tpe.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return models.ErrorTypeTimeout
		}
		return models.ErrorTypeNetwork
	}
	return models.ErrorTypeUnknown
}
