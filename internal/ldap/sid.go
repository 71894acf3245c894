package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
)

// SIDBytesToString converts a binary objectSid to its S-1-5-21-... form.
func SIDBytesToString(binarySID []byte) (string, error) {
	// revision, sub-authority count and 6-byte identifier authority
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}
	if want := 8 + 4*int(binarySID[1]); len(binarySID) < want {
		return "", fmt.Errorf("binary SID truncated: expected %d bytes, got %d", want, len(binarySID))
	}

	return objectsid.Decode(binarySID).String(), nil
}

// ValidateSIDString validates that a string looks like a SID.
func ValidateSIDString(sidString string) error {
	if len(sidString) < 5 || !strings.HasPrefix(sidString, "S-") {
		return fmt.Errorf("invalid SID format: must start with 'S-'")
	}
	return nil
}
