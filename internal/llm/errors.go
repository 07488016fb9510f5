// ABOUTME: Error kinds for classified provider failures.
// ABOUTME: Callers distinguish auth, rate-limit, context-length, and generic failures via errors.Is.

package llm

import "errors"

var (
	// ErrConfiguration indicates the generation parameters were incomplete.
	ErrConfiguration = errors.New("generation config incomplete")

	// ErrAuthentication indicates the provider rejected the credential.
	ErrAuthentication = errors.New("provider authentication failed")

	// ErrRateLimited indicates the provider's own rate limit or quota was hit.
	ErrRateLimited = errors.New("provider rate limit exceeded")

	// ErrContextLength indicates the message history exceeded the model's context window.
	ErrContextLength = errors.New("context length exceeded")

	// ErrProvider is the generic classification for any other provider-side failure.
	ErrProvider = errors.New("provider error")
)
