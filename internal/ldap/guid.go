package ldap

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// Active Directory stores GUIDs mixed-endian: Data1, Data2 and Data3 are
// little-endian, Data4 is big-endian. swapGUIDBytes converts in both directions.
func swapGUIDBytes(b []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// GUIDBytesToString converts Active Directory GUID bytes to the hyphenated string form.
func GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	id, err := uuid.FromBytes(swapGUIDBytes(guidBytes))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// StringToGUIDBytes converts a hyphenated or compact GUID string to Active Directory byte order.
func StringToGUIDBytes(guidString string) ([]byte, error) {
	id, err := uuid.Parse(strings.TrimSpace(guidString))
	if err != nil {
		return nil, fmt.Errorf("invalid GUID format: %w", err)
	}
	return swapGUIDBytes(id[:]), nil
}

// IsValidGUID checks if a string is a valid GUID.
func IsValidGUID(guidString string) bool {
	_, err := uuid.Parse(strings.TrimSpace(guidString))
	return err == nil
}

// GUIDSearchFilter returns an equality filter matching the binary form of guidString.
func GUIDSearchFilter(attr, guidString string) (string, error) {
	guidBytes, err := StringToGUIDBytes(guidString)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("(" + attr + "=")
	for _, b := range guidBytes {
		fmt.Fprintf(&sb, "\\%02x", b)
	}
	sb.WriteString(")")
	return sb.String(), nil
}
