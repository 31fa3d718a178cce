package gentlefetch

import (
	"context"
	"errors"
	"net/http"
)

// KindNone is the classification of a successful attempt.
const KindNone ErrorKind = ""

// Classifier maps the outcome of one attempt to a failure kind, or KindNone
// when the attempt succeeded.
type Classifier func(resp *FetchResponse, err error) ErrorKind

// Classify is the default Classifier.
//
// Transport errors, timeouts and 5xx are transient; 429 is a rate-limit
// signal; other 4xx are permanent. A cancelled context is permanent since
// retrying cannot help. Errors that already carry a kind keep it.
func Classify(resp *FetchResponse, err error) ErrorKind {
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind != KindNone {
			return e.Kind
		}
		if errors.Is(err, context.Canceled) {
			return KindPermanentRequestFailure
		}
		return KindTransientNetworkFailure
	}
	if resp == nil {
		return KindTransientNetworkFailure
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return KindRateLimitSignal
	case code >= 500:
		return KindTransientNetworkFailure
	case code >= 400:
		return KindPermanentRequestFailure
	case code < 100:
		return KindTransientNetworkFailure
	default:
		return KindNone
	}
}

// proxyOutcome decides whether an attempt counts against the proxy that
// carried it. A permanent rejection by the server says nothing bad about
// the path to it.
func proxyOutcome(kind ErrorKind) Outcome {
	if kind.Retryable() {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
