package auth

import (
	"errors"
	"strings"

	"golang.org/x/oauth2"
)

type ErrorKind int

const (
	ErrGeneric ErrorKind = iota
	ErrInvalidCredentials
	ErrEmailNotConfirmed
)

// Message is the user-facing text shown on the sign-in page.
func (k ErrorKind) Message() string {
	switch k {
	case ErrInvalidCredentials:
		return "Invalid login credentials. Please try again."
	case ErrEmailNotConfirmed:
		return "Please confirm your email address before signing in."
	default:
		return "Authentication failed. Please try again."
	}
}

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidCredentials:
		return "invalid_credentials"
	case ErrEmailNotConfirmed:
		return "email_not_confirmed"
	default:
		return "generic"
	}
}

// ClassifyError maps a provider failure to an ErrorKind. The structured error
// code wins; the description is only consulted when no code matched.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrGeneric
	}
	var desc string
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_credentials":
			return ErrInvalidCredentials
		case "email_not_confirmed":
			return ErrEmailNotConfirmed
		}
		// RetrieveError.Error dereferences Response when ErrorCode is empty.
		desc = re.ErrorDescription + " " + string(re.Body)
	} else {
		desc = err.Error()
	}
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "invalid login credentials"):
		return ErrInvalidCredentials
	case strings.Contains(lower, "email not confirmed"):
		return ErrEmailNotConfirmed
	}
	return ErrGeneric
}
