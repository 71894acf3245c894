package idrepo

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// Authenticate binds as the user name with password on the bind-only factory.
func (r *Repository) Authenticate(ctx context.Context, name, password string) (*AuthResult, error) {
	const op = "authenticate"

	if password == "" {
		return nil, newError(KindInvalidCredentials, op, IdTypeUser, name, "empty password")
	}

	dn, found, err := r.resolveDN(ctx, IdTypeUser, name, resolveForAuth, true)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(KindIdentityNotFound, op, IdTypeUser, name, "")
	}

	pc, err := r.bindOnly.Get(ctx)
	if err != nil {
		return nil, wrapError(KindAuthenticationFailure, op, IdTypeUser, name, err)
	}
	defer pc.Close()

	var controls []ldap.Control
	if r.cfg.Behera {
		controls = append(controls, ldap.NewControlBeheraPasswordPolicy())
	}

	result, err := pc.Conn().SimpleBind(ldap.NewSimpleBindRequest(dn, password, controls))
	var responseControls []ldap.Control
	if result != nil {
		responseControls = result.Controls
	}

	if err != nil {
		if ldapclient.HasResultCode(err, ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultConnectError) {
			pc.MarkBroken()
		}
		r.logger.Debug("Bind failed", map[string]any{"dn": dn, "error": err.Error()})
		return nil, authError(name, err, responseControls)
	}

	auth := &AuthResult{DN: dn, GraceLogins: -1}
	if ppolicy := ldapclient.FindBeheraControl(responseControls); ppolicy != nil {
		if ppolicy.Error >= 0 {
			return nil, newError(KindPasswordPolicyViolation, op, IdTypeUser, name, ppolicy.ErrorString)
		}
		if ppolicy.Expire >= 0 {
			auth.ExpiresIn = time.Duration(ppolicy.Expire) * time.Second
		}
		if ppolicy.Grace >= 0 {
			auth.GraceLogins = int(ppolicy.Grace)
		}
	}

	return auth, nil
}

// authError maps a failed bind. A password policy error takes precedence over the result code.
func authError(name string, err error, controls []ldap.Control) error {
	const op = "authenticate"

	if ppolicy := ldapclient.FindBeheraControl(controls); ppolicy != nil && ppolicy.Error >= 0 {
		e := wrapError(KindPasswordPolicyViolation, op, IdTypeUser, name, err)
		e.Message = ppolicy.ErrorString
		return e
	}

	code, _ := ldapclient.ResultCode(err)
	switch code {
	case ldap.LDAPResultInvalidCredentials:
		return wrapError(KindInvalidCredentials, op, IdTypeUser, name, err)
	case ldap.LDAPResultInappropriateAuthentication:
		return wrapError(KindInappropriateAuthentication, op, IdTypeUser, name, err)
	default:
		return wrapError(KindAuthenticationFailure, op, IdTypeUser, name, err)
	}
}
