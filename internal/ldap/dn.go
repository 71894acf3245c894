package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeDNValue escapes special characters in a DN attribute value according to RFC 4514.
//
// Examples:
//   - "Doe, John" → "Doe\, John"
//   - " John " → "\ John\ "
//   - "#123" → "\#123"
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	last := len(value) - 1
	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			if i == 0 || i == last {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// BuildDN joins an RDN built from attr and an unescaped value with the parent DN.
func BuildDN(attr, value string, parents ...string) string {
	parts := []string{attr + "=" + EscapeDNValue(value)}
	for _, p := range parents {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ",")
}

// FirstRDN returns the attribute type and unescaped value of the leftmost RDN.
func FirstRDN(dn string) (string, string, error) {
	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsedDN.RDNs) == 0 || len(parsedDN.RDNs[0].Attributes) == 0 {
		return "", "", fmt.Errorf("DN has no RDN: %q", dn)
	}

	attr := parsedDN.RDNs[0].Attributes[0]
	return attr.Type, attr.Value, nil
}

// ExtractRDNValue extracts the value of the first RDN component with the specified attribute type.
// For example, extracting "CN" from "CN=John Doe,OU=Users,DC=example,DC=com" returns "John Doe".
func ExtractRDNValue(dn, attrType string) (string, error) {
	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	for _, rdn := range parsedDN.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, attrType) {
				return attr.Value, nil
			}
		}
	}

	return "", fmt.Errorf("attribute type '%s' not found in DN '%s'", attrType, dn)
}

// GetDNParent returns the parent DN by removing the first RDN component.
func GetDNParent(dn string) (string, error) {
	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	if len(parsedDN.RDNs) <= 1 {
		return "", fmt.Errorf("DN has no parent: %s", dn)
	}

	return (&ldap.DN{RDNs: parsedDN.RDNs[1:]}).String(), nil
}

// NormalizeDN returns a canonical lower-case form for comparisons.
// Unparseable input is lower-cased and trimmed.
func NormalizeDN(dn string) string {
	parsedDN, err := ldap.ParseDN(strings.TrimSpace(dn))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}

	rdns := make([]string, 0, len(parsedDN.RDNs))
	for _, rdn := range parsedDN.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, strings.ToLower(attr.Type)+"="+strings.ToLower(EscapeDNValue(attr.Value)))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}

	return strings.Join(rdns, ",")
}

// EqualDN compares two DNs case-insensitively.
func EqualDN(a, b string) bool {
	return NormalizeDN(a) == NormalizeDN(b)
}

// IsDNChild checks if childDN is equal to or below parentDN.
func IsDNChild(childDN, parentDN string) bool {
	child, parent := NormalizeDN(childDN), NormalizeDN(parentDN)
	if parent == "" {
		return true
	}
	return child == parent || strings.HasSuffix(child, ","+parent)
}
