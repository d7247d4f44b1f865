// Package apperrors defines the broker's error taxonomy on top of go-errors.
//
// Validation errors are caller mistakes and map to 400. Store errors mean the
// relational store is unavailable and map to 500. Delivery errors describe a
// single subscriber callback failing; they are recorded per target and never
// become the outcome of the request that triggered them.
package apperrors

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeBadInput          = "BAD_INPUT"
	TextCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	TextCodeDeliveryFailed    = "DELIVERY_FAILED"
	TextCodeNotFound          = "NOT_FOUND"
	TextCodeInvalidTransition = "INVALID_STATUS_TRANSITION"
	TextCodeInternal          = "INTERNAL_ERROR"
)

// Validation reports a missing or malformed request field.
func Validation(field string, message string) error {
	return goerrors.NewValidation(message, goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(TextCodeBadInput)
}

// Store wraps a persistence failure.
func Store(source error, message string) error {
	if source == nil {
		return goerrors.New(message, goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(TextCodeStoreUnavailable)
	}
	return goerrors.Wrap(source, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeStoreUnavailable)
}

// Delivery wraps a failed callback attempt.
func Delivery(source error, message string) error {
	if source == nil {
		return goerrors.New(message, goerrors.CategoryOperation).
			WithCode(http.StatusBadGateway).
			WithTextCode(TextCodeDeliveryFailed)
	}
	return goerrors.Wrap(source, goerrors.CategoryOperation, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeDeliveryFailed)
}

func NotFound(message string) error {
	return goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(TextCodeNotFound)
}

// InvalidTransition reports an attempt to overwrite a terminal event status
// with a different one.
func InvalidTransition(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(TextCodeInvalidTransition)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func category(err error) (goerrors.Category, bool) {
	var rich *goerrors.Error
	if err == nil || !goerrors.As(err, &rich) {
		var none goerrors.Category
		return none, false
	}
	return rich.Category, true
}

func IsValidation(err error) bool {
	c, ok := category(err)
	return ok && (c == goerrors.CategoryValidation || c == goerrors.CategoryBadInput)
}

func IsStore(err error) bool {
	c, ok := category(err)
	return ok && c == goerrors.CategoryInternal
}

func IsDelivery(err error) bool {
	c, ok := category(err)
	return ok && c == goerrors.CategoryOperation
}

func IsNotFound(err error) bool {
	c, ok := category(err)
	return ok && c == goerrors.CategoryNotFound
}

func IsInvalidTransition(err error) bool {
	c, ok := category(err)
	return ok && c == goerrors.CategoryConflict
}

// HTTPStatus maps err to the status code the HTTP boundary responds with.
func HTTPStatus(err error) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code != 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// Message returns the caller-facing message of err. Internal details of
// store failures are not exposed.
func Message(err error) string {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return "internal server error"
	}
	if rich.Category == goerrors.CategoryInternal {
		if msg := strings.TrimSpace(rich.Message); msg != "" {
			return msg
		}
		return "internal server error"
	}
	return rich.Message
}
