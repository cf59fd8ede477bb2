package apierr

import "net/http"

// Recovery actions.
const (
	ActionRetryWithBackoff  = "retry_with_backoff"
	ActionCheckCredential   = "check_credential"
	ActionConfigureProvider = "configure_provider_credential"
	ActionListModels        = "list_models"
	ActionListProviders     = "list_providers"
	ActionFixRequest        = "fix_request"
	ActionReviewPolicy      = "review_policy"
)

// Recovery is the suggested next step for the caller.
type Recovery struct {
	Action         string   `json:"action"`
	Retryable      bool     `json:"retryable"`
	BackoffSeconds int      `json:"backoff_seconds,omitempty"`
	Alternatives   []string `json:"alternative_providers,omitempty"`
	Hint           string   `json:"hint,omitempty"`
}

// WithRecovery fills e.Recovery from its category. alternatives are other
// providers currently considered healthy; they are only suggested for
// transient failures.
func (e *Error) WithRecovery(alternatives []string) *Error {
	switch e.Category {
	case CategoryTransient:
		alts := make([]string, 0, len(alternatives))
		for _, a := range alternatives {
			if a != e.Provider {
				alts = append(alts, a)
			}
		}
		e.Recovery = &Recovery{
			Action:         ActionRetryWithBackoff,
			Retryable:      true,
			BackoffSeconds: e.backoff(),
			Alternatives:   alts,
		}
	case CategoryPermanent:
		e.Recovery = e.permanentRecovery()
	case CategoryPolicy:
		e.Recovery = &Recovery{Action: ActionReviewPolicy, Hint: "the request was blocked by a usage policy"}
		if e.RetryAfter > 0 {
			e.Recovery.Retryable = true
			e.Recovery.BackoffSeconds = e.RetryAfter
		}
	case CategoryUpstream:
		e.Recovery = &Recovery{Action: ActionFixRequest, Hint: "the provider rejected the request; see its error message"}
	}
	return e
}

func (e *Error) permanentRecovery() *Recovery {
	switch {
	case e.Status == http.StatusUnauthorized:
		return &Recovery{Action: ActionCheckCredential, Hint: "send a valid, unrevoked gateway credential as a Bearer token"}
	case e.Kind == KindConfigurationError:
		return &Recovery{Action: ActionConfigureProvider, Hint: "add an active upstream credential for this provider in account settings"}
	case e.Kind == KindModelDisabled:
		return &Recovery{Action: ActionListModels, Hint: "choose a model that is enabled for this provider"}
	case e.Kind == KindInvalidProvider:
		return &Recovery{Action: ActionListProviders, Hint: "use one of the supported provider names"}
	}
	return &Recovery{Action: ActionFixRequest}
}

func (e *Error) backoff() int {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	switch e.Kind {
	case KindTimeout:
		return 2
	case KindHTTPError:
		if e.Status == http.StatusTooManyRequests {
			return 5
		}
		return 2
	}
	return 1
}
