package apierr

import "github.com/valyala/fasthttp"

// Kind is the error taxonomy the router and HTTP layer classify every
// failure into — a superset of the older ErrorType/Code pair above, used
// internally to decide retry/fallback behavior before it is ever rendered
// to a client as an APIError.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindConfig            Kind = "config_error"
	KindProviderRetryable Kind = "provider_retryable"
	KindProviderFatal     Kind = "provider_fatal"
	KindTemplate          Kind = "template_error"
	KindSchemaViolation   Kind = "schema_violation"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindCancelled         Kind = "cancelled"
)

// Retryable reports whether this kind should be retried against the same
// provider before falling over to the next one in the routing list.
func (k Kind) Retryable() bool {
	return k == KindProviderRetryable
}

// WriteKind renders a classified error to the client. clientNamed matters
// only for KindConfig: a missing name the client supplied (unknown function,
// unknown variant) is a 404, while a missing name that should have existed
// in a valid deployment (a model a variant references but config omits) is
// a 500 — the client didn't cause it. exhausted marks that every provider in
// the routing list was tried and failed, which escalates a retryable/fatal
// provider error to 503 instead of the per-attempt status.
func WriteKind(ctx *fasthttp.RequestCtx, kind Kind, message string, clientNamed, exhausted bool) {
	switch kind {
	case KindValidation:
		Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)

	case KindConfig:
		if clientNamed {
			Write(ctx, fasthttp.StatusNotFound, message, TypeInvalidRequest, CodeInvalidRequest)
		} else {
			Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)
		}

	case KindProviderRetryable, KindProviderFatal:
		if exhausted {
			Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeProviderError, CodeProviderError)
		} else {
			WriteProviderError(ctx, 0, message)
		}

	case KindTemplate:
		Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)

	case KindSchemaViolation:
		Write(ctx, fasthttp.StatusBadGateway, message, TypeProviderError, CodeProviderError)

	case KindDeadlineExceeded:
		WriteTimeout(ctx)

	case KindCancelled:
		// Client already disconnected; nothing to write.

	default:
		Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)
	}
}
