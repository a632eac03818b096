package actorcore

import "fmt"

// Kind classifies engine errors as a closed set of tagged variants rather
// than ad hoc error strings.
type Kind int

const (
	KindActorNotFound Kind = iota
	KindInvalidActorData
	KindPeerCommunication
	KindTrustRelationship
	KindPermissionDenied
	KindSubscriptionSequencing
)

func (k Kind) String() string {
	switch k {
	case KindActorNotFound:
		return "actor_not_found"
	case KindInvalidActorData:
		return "invalid_actor_data"
	case KindPeerCommunication:
		return "peer_communication"
	case KindTrustRelationship:
		return "trust_relationship"
	case KindPermissionDenied:
		return "permission_denied"
	case KindSubscriptionSequencing:
		return "subscription_sequencing"
	default:
		return "unknown"
	}
}

// Error is the sum-type-style error every engine operation returns instead
// of raising through the stack. Code is an optional
// HTTP-ish status hint for the httpapi layer; it is zero when not
// applicable.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, actorcore.KindX) style checks by comparing
// Kind when the target is itself an *Error with no other distinguishing
// fields set (the common case: sentinels declared below).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is(err, actorcore.ErrActorNotFound) checks.
var (
	ErrActorNotFound          = &Error{Kind: KindActorNotFound}
	ErrInvalidActorData       = &Error{Kind: KindInvalidActorData}
	ErrPeerCommunication      = &Error{Kind: KindPeerCommunication}
	ErrTrustRelationship      = &Error{Kind: KindTrustRelationship}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrSubscriptionSequencing = &Error{Kind: KindSubscriptionSequencing}
)

// NewError constructs an Error of the given kind wrapping cause (cause may
// be nil).
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithCode returns a copy of e with Code set, for handlers that need to pick
// an HTTP status.
func (e *Error) WithCode(code int) *Error {
	cp := *e
	cp.Code = code
	return &cp
}
