package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	RelayErrorBadInput           = "RELAY_BAD_INPUT"
	RelayErrorSignatureMalformed = "RELAY_SIGNATURE_MALFORMED"
	RelayErrorSignatureStale     = "RELAY_SIGNATURE_STALE"
	RelayErrorSignatureMismatch  = "RELAY_SIGNATURE_MISMATCH"
	RelayErrorNotFound           = "RELAY_NOT_FOUND"
	RelayErrorStorageUnavailable = "RELAY_STORAGE_UNAVAILABLE"
	RelayErrorDeliveryFailed     = "RELAY_DELIVERY_FAILED"
	RelayErrorRateLimited        = "RELAY_RATE_LIMITED"
	RelayErrorUnauthorized       = "RELAY_UNAUTHORIZED"
	RelayErrorInternal           = "RELAY_INTERNAL_ERROR"
)

func BadInputError(field string, message string) *goerrors.Error {
	return goerrors.NewValidation("relay: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(RelayErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// SignatureError reports a rejected signature. Malformed headers are input
// errors; stale or mismatched signatures are authentication failures.
func SignatureError(textCode string, message string) *goerrors.Error {
	if textCode == RelayErrorSignatureMalformed {
		return goerrors.New(message, goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(textCode)
	}
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(textCode)
}

func NotFoundError(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(RelayErrorNotFound)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// StorageError marks a failure of the durable store. Callers surface it as 503
// so senders retry.
func StorageError(source error, message string) *goerrors.Error {
	if source == nil {
		return goerrors.New(message, goerrors.CategoryExternal).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(RelayErrorStorageUnavailable)
	}
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(RelayErrorStorageUnavailable)
}

func InternalError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(RelayErrorInternal)
}

// MapError converts any error into the relay error envelope.
func MapError(err error) *goerrors.Error {
	return relayErrorMapper(err)
}

func relayErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureRelayErrorEnvelope(richErr)
	}

	if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrKeyNotFound) {
		return newRelayError(err.Error(), goerrors.CategoryNotFound, RelayErrorNotFound)
	}
	if errors.Is(err, ErrInvalidPeriod) {
		return newRelayError(err.Error(), goerrors.CategoryBadInput, RelayErrorBadInput)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newRelayError(err.Error(), goerrors.CategoryRateLimit, RelayErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newRelayError(err.Error(), goerrors.CategoryBadInput, RelayErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureRelayErrorEnvelope(mapped)
}

func newRelayError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureRelayErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureRelayErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = relayHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultRelayTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultRelayTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return RelayErrorBadInput
	case goerrors.CategoryNotFound:
		return RelayErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return RelayErrorUnauthorized
	case goerrors.CategoryRateLimit:
		return RelayErrorRateLimited
	case goerrors.CategoryExternal:
		return RelayErrorDeliveryFailed
	default:
		return RelayErrorInternal
	}
}

func relayHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
