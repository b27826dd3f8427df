package core

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	PipelineErrorBadInput       = "PIPELINE_BAD_INPUT"
	PipelineErrorDecodeFailed   = "PIPELINE_DECODE_FAILED"
	PipelineErrorExecutorFailed = "PIPELINE_EXECUTOR_FAILED"
	PipelineErrorStoreFailed    = "PIPELINE_STORE_FAILED"
	PipelineErrorBrokerFailed   = "PIPELINE_BROKER_FAILED"
	PipelineErrorDeliveryFailed = "PIPELINE_DELIVERY_FAILED"
	PipelineErrorNotFound       = "PIPELINE_NOT_FOUND"
	PipelineErrorInternal       = "PIPELINE_INTERNAL_ERROR"
)

// ErrorMapper normalizes arbitrary errors into categorized pipeline error
// envelopes at component boundaries.
type ErrorMapper func(err error) *goerrors.Error

func PipelineErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensurePipelineEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "decode"), strings.Contains(msg, "malformed"):
		return newPipelineError(err.Error(), goerrors.CategoryBadInput, PipelineErrorDecodeFailed)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no rows"):
		return newPipelineError(err.Error(), goerrors.CategoryNotFound, PipelineErrorNotFound)
	case strings.Contains(msg, "broker"), strings.Contains(msg, "stream"):
		return newPipelineError(err.Error(), goerrors.CategoryExternal, PipelineErrorBrokerFailed)
	case strings.Contains(msg, "deliver"):
		return newPipelineError(err.Error(), goerrors.CategoryExternal, PipelineErrorDeliveryFailed)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newPipelineError(err.Error(), goerrors.CategoryBadInput, PipelineErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensurePipelineEnvelope(mapped)
}

func newPipelineError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensurePipelineEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensurePipelineEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultPipelineTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected pipeline error occurred"
	}
	return err
}

func defaultPipelineTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return PipelineErrorBadInput
	case goerrors.CategoryNotFound:
		return PipelineErrorNotFound
	case goerrors.CategoryExternal:
		return PipelineErrorDeliveryFailed
	case goerrors.CategoryOperation:
		return PipelineErrorStoreFailed
	default:
		return PipelineErrorInternal
	}
}
