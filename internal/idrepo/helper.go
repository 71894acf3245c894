package idrepo

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/text/encoding/unicode"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

// Matching rule OID of LDAP_MATCHING_RULE_IN_CHAIN.
const inChainMatchingRule = "1.2.840.113556.1.4.1941"

const (
	attrUserPassword = "userPassword"
	attrUnicodePwd   = "unicodePwd"
	attrObjectGUID   = "objectGUID"
	attrObjectSid    = "objectSid"
)

// DirectoryHelper hides directory vendor differences from the repository.
type DirectoryHelper interface {
	// Name identifies the directory type.
	Name() string
	// IsPasswordAttribute reports whether attr holds a password.
	IsPasswordAttribute(attr string) bool
	// EncodePassword returns the attribute and values to write for a password modification.
	EncodePassword(attr string, values []string) (string, []string, error)
	// RecursiveMembersFilter matches entries nested anywhere below groupDN, or "" when unsupported.
	RecursiveMembersFilter(memberOfAttr, groupDN string) string
	// RecursiveMembershipFilter matches groups containing memberDN at any depth, or "" when unsupported.
	RecursiveMembershipFilter(memberAttr, memberDN string) string
	// FormatBinaryAttribute renders a binary value as a string. ok is false for attributes it does not handle.
	FormatBinaryAttribute(attr string, value []byte) (s string, ok bool, err error)
}

// NewDirectoryHelper returns the helper for a configured directory type.
func NewDirectoryHelper(directoryType string) DirectoryHelper {
	switch directoryType {
	case DirectoryAD:
		return ADHelper{}
	case DirectoryADAM:
		return ADAMHelper{}
	default:
		return GenericHelper{}
	}
}

// GenericHelper serves RFC compliant directories.
type GenericHelper struct{}

func (GenericHelper) Name() string { return DirectoryGeneric }

func (GenericHelper) IsPasswordAttribute(attr string) bool {
	return strings.EqualFold(attr, attrUserPassword)
}

func (GenericHelper) EncodePassword(attr string, values []string) (string, []string, error) {
	return attr, values, nil
}

func (GenericHelper) RecursiveMembersFilter(string, string) string { return "" }

func (GenericHelper) RecursiveMembershipFilter(string, string) string { return "" }

func (GenericHelper) FormatBinaryAttribute(string, []byte) (string, bool, error) {
	return "", false, nil
}

// ADHelper serves Active Directory. Passwords are written to unicodePwd as
// quoted UTF-16LE strings.
type ADHelper struct{}

func (ADHelper) Name() string { return DirectoryAD }

func (ADHelper) IsPasswordAttribute(attr string) bool {
	return strings.EqualFold(attr, attrUserPassword) || strings.EqualFold(attr, attrUnicodePwd)
}

func (ADHelper) EncodePassword(_ string, values []string) (string, []string, error) {
	encoded, err := encodeUnicodePwd(values)
	return attrUnicodePwd, encoded, err
}

func (ADHelper) RecursiveMembersFilter(memberOfAttr, groupDN string) string {
	return inChainFilter(memberOfAttr, groupDN)
}

func (ADHelper) RecursiveMembershipFilter(memberAttr, memberDN string) string {
	return inChainFilter(memberAttr, memberDN)
}

func (ADHelper) FormatBinaryAttribute(attr string, value []byte) (string, bool, error) {
	switch {
	case strings.EqualFold(attr, attrObjectGUID):
		s, err := ldapclient.GUIDBytesToString(value)
		return s, true, err
	case strings.EqualFold(attr, attrObjectSid):
		s, err := ldapclient.SIDBytesToString(value)
		return s, true, err
	default:
		return "", false, nil
	}
}

// ADAMHelper serves AD LDS, which also accepts userPassword as written.
type ADAMHelper struct {
	ADHelper
}

func (ADAMHelper) Name() string { return DirectoryADAM }

func (ADAMHelper) EncodePassword(attr string, values []string) (string, []string, error) {
	if !strings.EqualFold(attr, attrUnicodePwd) {
		return attr, values, nil
	}
	encoded, err := encodeUnicodePwd(values)
	return attrUnicodePwd, encoded, err
}

func encodeUnicodePwd(values []string) ([]string, error) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out := make([]string, 0, len(values))
	for _, v := range values {
		encoded, err := encoder.String(`"` + v + `"`)
		if err != nil {
			return nil, fmt.Errorf("failed to encode password: %w", err)
		}
		out = append(out, encoded)
	}
	return out, nil
}

func inChainFilter(attr, dn string) string {
	if attr == "" {
		return ""
	}
	return "(" + attr + ":" + inChainMatchingRule + ":=" + ldap.EscapeFilter(dn) + ")"
}
