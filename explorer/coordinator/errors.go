package coordinator

import (
	"errors"
	"fmt"
)

type AuthErrorKind int

const (
	MissingInput AuthErrorKind = iota
	InvalidCredentials
	NewPasswordRequired
	ExchangeFailed
	ProviderFailed
)

func (k AuthErrorKind) String() string {
	if k < MissingInput || k > ProviderFailed {
		return "unknown auth error"
	}
	return [...]string{
		"missing input",
		"invalid credentials",
		"new password required",
		"credential exchange failed",
		"identity provider failed",
	}[k]
}

// AuthError is returned by Authenticate. Cause holds whatever the identity provider or the
// credential exchange reported, so callers can tell a throttled exchange from a bad pool id.
type AuthError struct {
	Kind  AuthErrorKind
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches on kind, so errors.Is(err, ErrInvalidCredentials) works regardless of cause.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMissingInput        = &AuthError{Kind: MissingInput}
	ErrInvalidCredentials  = &AuthError{Kind: InvalidCredentials}
	ErrNewPasswordRequired = &AuthError{Kind: NewPasswordRequired}
	ErrExchangeFailed      = &AuthError{Kind: ExchangeFailed}
	ErrProviderFailed      = &AuthError{Kind: ProviderFailed}
)

var (
	ErrAuthenticationInProgress     = errors.New("authentication already in progress")
	ErrSubscriptionChangeInProgress = errors.New("subscription change already in progress")
	ErrEmptyTopic                   = errors.New("topic must not be empty")
	errIncompleteCredentials        = errors.New("incomplete credentials")
)

// KindOf returns the kind of the first AuthError in err's chain.
func KindOf(err error) (AuthErrorKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// identityError normalizes whatever the identity provider returned.
func identityError(err error) error {
	var ae *AuthError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case InvalidCredentials, NewPasswordRequired, ProviderFailed:
			return ae
		}
	}
	return &AuthError{Kind: ProviderFailed, Cause: err}
}

func exchangeError(err error) error {
	var ae *AuthError
	if errors.As(err, &ae) && ae.Kind == ExchangeFailed {
		return ae
	}
	return &AuthError{Kind: ExchangeFailed, Cause: err}
}
