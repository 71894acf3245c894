package idrepo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// Kind classifies repository errors.
type Kind int

const (
	KindDirectory Kind = iota
	KindIdentityNotFound
	KindDuplicateIdentity
	KindInvalidCredentials
	KindAuthenticationFailure
	KindInappropriateAuthentication
	KindPasswordPolicyViolation
	KindIllegalArguments
	KindIdentifierMismatch
	KindAmbiguous
	KindUnsupportedOperation
	KindProxiedAuthzDenied
	KindSchemaLookup
	KindInitialization
	KindFatal
	KindLimitExceeded
)

var kindNames = map[Kind]string{
	KindDirectory:                   "directory error",
	KindIdentityNotFound:            "identity not found",
	KindDuplicateIdentity:           "identity already exists",
	KindInvalidCredentials:          "invalid credentials",
	KindAuthenticationFailure:       "authentication failed",
	KindInappropriateAuthentication: "inappropriate authentication",
	KindPasswordPolicyViolation:     "password policy violation",
	KindIllegalArguments:            "illegal arguments",
	KindIdentifierMismatch:          "identifier mismatch",
	KindAmbiguous:                   "ambiguous identity",
	KindUnsupportedOperation:        "unsupported operation",
	KindProxiedAuthzDenied:          "proxied authorization denied",
	KindSchemaLookup:                "schema lookup failed",
	KindInitialization:              "initialization failed",
	KindFatal:                       "fatal directory error",
	KindLimitExceeded:               "limit exceeded",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// parent returns the broader kind k is reported as, if any.
func (k Kind) parent() (Kind, bool) {
	switch k {
	case KindIdentifierMismatch, KindAmbiguous:
		return KindIllegalArguments, true
	case KindInappropriateAuthentication:
		return KindAuthenticationFailure, true
	default:
		return 0, false
	}
}

// Sentinel errors for errors.Is.
var (
	ErrIdentityNotFound            = &Error{Kind: KindIdentityNotFound}
	ErrDuplicateIdentity           = &Error{Kind: KindDuplicateIdentity}
	ErrInvalidCredentials          = &Error{Kind: KindInvalidCredentials}
	ErrAuthenticationFailure       = &Error{Kind: KindAuthenticationFailure}
	ErrInappropriateAuthentication = &Error{Kind: KindInappropriateAuthentication}
	ErrPasswordPolicyViolation     = &Error{Kind: KindPasswordPolicyViolation}
	ErrIllegalArguments            = &Error{Kind: KindIllegalArguments}
	ErrIdentifierMismatch          = &Error{Kind: KindIdentifierMismatch}
	ErrAmbiguous                   = &Error{Kind: KindAmbiguous}
	ErrUnsupportedOperation        = &Error{Kind: KindUnsupportedOperation}
	ErrProxiedAuthzDenied          = &Error{Kind: KindProxiedAuthzDenied}
	ErrSchemaLookup                = &Error{Kind: KindSchemaLookup}
	ErrInitialization              = &Error{Kind: KindInitialization}
	ErrFatal                       = &Error{Kind: KindFatal}
	ErrLimitExceeded               = &Error{Kind: KindLimitExceeded}
	ErrDirectory                   = &Error{Kind: KindDirectory}
)

// Error is the error type returned by Repository operations.
type Error struct {
	Kind       Kind
	Op         string
	Name       string
	Type       IdType
	ResultCode uint16
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Name != "" {
		fmt.Fprintf(&b, " (%s %q)", e.Type, e.Name)
	}
	if e.ResultCode != 0 {
		fmt.Fprintf(&b, " [code %d]", e.ResultCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by kind, including broader parent kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	if p, ok := e.Kind.parent(); ok {
		return p == t.Kind
	}
	return false
}

// KindOf returns the kind of err, or KindDirectory when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDirectory
}

func newError(kind Kind, op string, t IdType, name, msg string) *Error {
	return &Error{Kind: kind, Op: op, Type: t, Name: name, Message: msg}
}

func wrapError(kind Kind, op string, t IdType, name string, cause error) *Error {
	e := &Error{Kind: kind, Op: op, Type: t, Name: name, Cause: cause}
	if code, ok := ldapclient.ResultCode(cause); ok {
		e.ResultCode = code
	}
	return e
}

// resultCodeProxiedAuthzDenied is the authorizationDenied result code of RFC 4370.
const resultCodeProxiedAuthzDenied = ldap.LDAPResultAuthorizationDenied

// translate converts a directory error into an *Error. Existing *Error
// values are returned unchanged. Failed writes carry no response controls,
// so password policy errors are only decoded from binds (see authError).
func (r *Repository) translate(op string, t IdType, name string, err error) error {
	if err == nil {
		return nil
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		return err
	}

	code, ok := ldapclient.ResultCode(err)
	if !ok {
		return wrapError(KindDirectory, op, t, name, err)
	}

	switch code {
	case resultCodeProxiedAuthzDenied:
		return wrapError(KindProxiedAuthzDenied, op, t, name, err)
	case ldap.LDAPResultConstraintViolation:
		return wrapError(KindFatal, op, t, name, err)
	case ldap.LDAPResultNoSuchObject:
		return wrapError(KindIdentityNotFound, op, t, name, err)
	case ldap.LDAPResultSizeLimitExceeded, ldap.LDAPResultTimeLimitExceeded:
		ldapclient.LogLDAPError(r.logger, op, err, map[string]any{"type": t.String(), "name": name})
		return wrapError(KindLimitExceeded, op, t, name, err)
	case ldap.LDAPResultEntryAlreadyExists:
		return wrapError(KindDuplicateIdentity, op, t, name, err)
	default:
		e := wrapError(KindDirectory, op, t, name, err)
		if msg := ldapclient.DiagnosticMessage(err); msg != "" {
			e.Message = fmt.Sprintf("%s: %s", ldap.LDAPResultCodeMap[code], msg)
		} else {
			e.Message = ldap.LDAPResultCodeMap[code]
		}
		return e
	}
}
