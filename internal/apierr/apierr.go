// Package apierr defines the stable error envelope returned by every
// endpoint. Codes are part of the public contract and must not be renumbered.
package apierr

import "fmt"

// Error is a caller-visible error with a stable numeric code. It is
// serialized as {"error": ..., "code": ...}.
type Error struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is makes errors.Is match on code, so wrapped copies with a customized
// message (e.g. MaxRequests with the configured limit) still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy carrying the same code but a different message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Message: msg, Code: e.Code}
}

var (
	BadParams       = &Error{Message: "Improper Parameter Structure", Code: 1}
	InvalidInspect  = &Error{Message: "Invalid Inspect Link Structure", Code: 2}
	MaxRequests     = &Error{Message: "You may only have one pending request at a time", Code: 3}
	TTLExceeded     = &Error{Message: "Valve's servers didn't reply in time", Code: 4}
	SteamOffline    = &Error{Message: "Valve's servers appear to be offline, please try again later", Code: 5}
	GenericBad      = &Error{Message: "Something went wrong on our end, please try again", Code: 6}
	BadBody         = &Error{Message: "Improper body format", Code: 7}
	BadSecret       = &Error{Message: "Bad Secret", Code: 8}
	NoBotsAvailable = &Error{Message: "No bots available to fulfill this request", Code: 9}
	RateLimit       = &Error{Message: "Rate limit exceeded, too many requests", Code: 10}
	MaxQueueSize    = &Error{Message: "Queue size is full, please try again later", Code: 11}
)
