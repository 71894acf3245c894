package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Control OIDs not provided by go-ldap.
const (
	ControlTypeProxiedAuthorization    = "2.16.840.1.113730.3.4.18"
	ControlTypePersistentSearch        = "2.16.840.1.113730.3.4.3"
	ControlTypeEntryChangeNotification = "2.16.840.1.113730.3.4.7"
)

const (
	controlDescProxiedAuthorization    = "Proxied Authorization v2"
	controlDescPersistentSearch        = "Persistent Search"
	controlDescEntryChangeNotification = "Entry Change Notification"
)

// ChangeType is a persistent search change type bit.
type ChangeType int64

const (
	ChangeTypeAdd    ChangeType = 1
	ChangeTypeDelete ChangeType = 2
	ChangeTypeModify ChangeType = 4
	ChangeTypeModDN  ChangeType = 8

	ChangeTypeAny = ChangeTypeAdd | ChangeTypeDelete | ChangeTypeModify | ChangeTypeModDN
)

func (t ChangeType) String() string {
	switch t {
	case ChangeTypeAdd:
		return "add"
	case ChangeTypeDelete:
		return "delete"
	case ChangeTypeModify:
		return "modify"
	case ChangeTypeModDN:
		return "moddn"
	default:
		return fmt.Sprintf("changeType(%d)", int64(t))
	}
}

// ControlProxiedAuthorization asserts the identity an operation is performed for.
type ControlProxiedAuthorization struct {
	// AuthzID is "dn:<DN>", "u:<user>" or empty for anonymous.
	AuthzID string
}

// NewControlProxiedAuthorizationDN returns a proxied authorization control for dn.
func NewControlProxiedAuthorizationDN(dn string) *ControlProxiedAuthorization {
	return &ControlProxiedAuthorization{AuthzID: "dn:" + dn}
}

// GetControlType returns the OID
func (c *ControlProxiedAuthorization) GetControlType() string {
	return ControlTypeProxiedAuthorization
}

// Encode returns the ber packet representation. The control is always critical.
func (c *ControlProxiedAuthorization) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypeProxiedAuthorization, "Control Type ("+controlDescProxiedAuthorization+")"))
	packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, c.AuthzID, "Control Value (Authorization Identity)"))
	return packet
}

func (c *ControlProxiedAuthorization) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  Criticality: true  AuthzID: %s", controlDescProxiedAuthorization, ControlTypeProxiedAuthorization, c.AuthzID)
}

// ControlPersistentSearch requests change notifications on a search.
type ControlPersistentSearch struct {
	ChangeTypes ChangeType
	ChangesOnly bool
	ReturnECs   bool
}

// NewControlPersistentSearch returns a critical persistent search control.
func NewControlPersistentSearch(changeTypes ChangeType, changesOnly, returnECs bool) *ControlPersistentSearch {
	return &ControlPersistentSearch{
		ChangeTypes: changeTypes,
		ChangesOnly: changesOnly,
		ReturnECs:   returnECs,
	}
}

// GetControlType returns the OID
func (c *ControlPersistentSearch) GetControlType() string {
	return ControlTypePersistentSearch
}

// Encode returns the ber packet representation
func (c *ControlPersistentSearch) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypePersistentSearch, "Control Type ("+controlDescPersistentSearch+")"))
	packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))

	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (Persistent Search)")
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Persistent Search Value")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(c.ChangeTypes), "Change Types"))
	seq.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.ChangesOnly, "Changes Only"))
	seq.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.ReturnECs, "Return ECs"))
	value.AppendChild(seq)

	packet.AppendChild(value)
	return packet
}

func (c *ControlPersistentSearch) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  Criticality: true  ChangeTypes: %d  ChangesOnly: %t  ReturnECs: %t",
		controlDescPersistentSearch, ControlTypePersistentSearch, int64(c.ChangeTypes), c.ChangesOnly, c.ReturnECs)
}

// ControlEntryChangeNotification is returned with each persistent search entry.
type ControlEntryChangeNotification struct {
	ChangeType   ChangeType
	PreviousDN   string
	ChangeNumber int64
}

// GetControlType returns the OID
func (c *ControlEntryChangeNotification) GetControlType() string {
	return ControlTypeEntryChangeNotification
}

// Encode returns the ber packet representation
func (c *ControlEntryChangeNotification) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypeEntryChangeNotification, "Control Type ("+controlDescEntryChangeNotification+")"))

	value := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value (Entry Change Notification)")
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Entry Change Notification Value")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(c.ChangeType), "Change Type"))
	if c.PreviousDN != "" {
		seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, c.PreviousDN, "Previous DN"))
	}
	if c.ChangeNumber != 0 {
		seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.ChangeNumber, "Change Number"))
	}
	value.AppendChild(seq)

	packet.AppendChild(value)
	return packet
}

func (c *ControlEntryChangeNotification) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  ChangeType: %s  PreviousDN: %s  ChangeNumber: %d",
		controlDescEntryChangeNotification, ControlTypeEntryChangeNotification, c.ChangeType, c.PreviousDN, c.ChangeNumber)
}

// DecodeEntryChangeNotification decodes the BER control value of an entry change notification.
func DecodeEntryChangeNotification(value []byte) (*ControlEntryChangeNotification, error) {
	packet, err := ber.DecodePacketErr(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry change notification: %w", err)
	}
	if len(packet.Children) == 0 {
		return nil, fmt.Errorf("entry change notification has no change type")
	}

	changeType, ok := packet.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("entry change notification has invalid change type")
	}

	c := &ControlEntryChangeNotification{ChangeType: ChangeType(changeType)}
	for _, child := range packet.Children[1:] {
		switch v := child.Value.(type) {
		case string:
			c.PreviousDN = v
		case int64:
			c.ChangeNumber = v
		}
	}

	return c, nil
}

// FindEntryChangeNotification extracts the entry change notification from response controls.
// It returns nil when none is present.
func FindEntryChangeNotification(controls []ldap.Control) (*ControlEntryChangeNotification, error) {
	switch c := ldap.FindControl(controls, ControlTypeEntryChangeNotification).(type) {
	case *ControlEntryChangeNotification:
		return c, nil
	case *ldap.ControlString:
		return DecodeEntryChangeNotification([]byte(c.ControlValue))
	default:
		return nil, nil
	}
}

// FindBeheraControl returns the password policy response control, or nil.
func FindBeheraControl(controls []ldap.Control) *ldap.ControlBeheraPasswordPolicy {
	if c, ok := ldap.FindControl(controls, ldap.ControlTypeBeheraPasswordPolicy).(*ldap.ControlBeheraPasswordPolicy); ok {
		return c
	}
	return nil
}
