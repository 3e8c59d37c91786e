package identity

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
)

var (
	oidCommonName   = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidSerialNumber = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidCountry      = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality     = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidState        = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidOrganization = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrgUnit      = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidUID          = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidEmail        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

// attributeKeys maps the short keys accepted by ParseName to attribute types.
// The first key listed for an OID is the one String emits.
var attributeKeys = []struct {
	key string
	oid asn1.ObjectIdentifier
}{
	{"CN", oidCommonName},
	{"OU", oidOrgUnit},
	{"O", oidOrganization},
	{"L", oidLocality},
	{"ST", oidState},
	{"C", oidCountry},
	{"UID", oidUID},
	{"E", oidEmail},
	{"EMAILADDRESS", oidEmail},
	{"SERIALNUMBER", oidSerialNumber},
}

// Attribute is a single typed value inside a distinguished name.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value string
}

// Equal reports whether a and b have the same type and value.
func (a Attribute) Equal(b Attribute) bool {
	return a.Type.Equal(b.Type) && a.Value == b.Value
}

// DistinguishedName is an ordered X.500 name. Attribute order is significant:
// it is preserved through encoding and two names are equal only when they
// carry the same attributes in the same order.
type DistinguishedName []Attribute

// NewName builds a legal name in the canonical order CN, O, L, C followed by
// any extra attributes. An empty commonName is omitted.
func NewName(commonName, organization, locality, country string, extra ...Attribute) DistinguishedName {
	var n DistinguishedName
	if commonName != "" {
		n = append(n, Attribute{Type: oidCommonName, Value: commonName})
	}
	n = append(n,
		Attribute{Type: oidOrganization, Value: organization},
		Attribute{Type: oidLocality, Value: locality},
		Attribute{Type: oidCountry, Value: country},
	)
	return append(n, extra...)
}

// ParseName parses a comma separated name such as "CN=Bank A, O=Bank A, C=GB".
// Attributes keep the order in which they are written. Values may be empty and
// may contain escaped commas ("\,").
func ParseName(s string) (DistinguishedName, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty distinguished name")
	}
	var n DistinguishedName
	for _, part := range splitUnescaped(s) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed attribute %q in %q", strings.TrimSpace(part), s)
		}
		oid, err := oidForKey(strings.TrimSpace(key))
		if err != nil {
			return nil, err
		}
		n = append(n, Attribute{Type: oid, Value: strings.TrimSpace(value)})
	}
	return n, nil
}

// MustParseName is like ParseName but panics on error. Intended for tests and
// fixed configuration.
func MustParseName(s string) DistinguishedName {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Equal reports exact structural equality.
func (n DistinguishedName) Equal(other DistinguishedName) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if !n[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether n starts with every attribute of prefix, in order.
func (n DistinguishedName) HasPrefix(prefix DistinguishedName) bool {
	if len(prefix) > len(n) {
		return false
	}
	return n[:len(prefix)].Equal(prefix)
}

// Get returns the first value of the given attribute type.
func (n DistinguishedName) Get(oid asn1.ObjectIdentifier) (string, bool) {
	for _, a := range n {
		if a.Type.Equal(oid) {
			return a.Value, true
		}
	}
	return "", false
}

// Organization returns the O attribute, or "" when absent.
func (n DistinguishedName) Organization() string {
	v, _ := n.Get(oidOrganization)
	return v
}

// CommonName returns the CN attribute, or "" when absent.
func (n DistinguishedName) CommonName() string {
	v, _ := n.Get(oidCommonName)
	return v
}

// String renders the name in the format accepted by ParseName.
func (n DistinguishedName) String() string {
	parts := make([]string, 0, len(n))
	for _, a := range n {
		parts = append(parts, keyForOID(a.Type)+"="+strings.ReplaceAll(a.Value, ",", `\,`))
	}
	return strings.Join(parts, ", ")
}

// RDNSequence converts n into one single-valued RDN per attribute.
func (n DistinguishedName) RDNSequence() pkix.RDNSequence {
	seq := make(pkix.RDNSequence, 0, len(n))
	for _, a := range n {
		seq = append(seq, pkix.RelativeDistinguishedNameSET{
			{Type: a.Type, Value: a.Value},
		})
	}
	return seq
}

// Marshal returns the DER encoding of n as an X.501 Name.
func (n DistinguishedName) Marshal() ([]byte, error) {
	der, err := asn1.Marshal(n.RDNSequence())
	if err != nil {
		return nil, fmt.Errorf("marshal name %q: %w", n, err)
	}
	return der, nil
}

// ParseNameDER decodes a DER X.501 Name (for example a certificate's RawSubject).
// Multi-valued RDNs are flattened in encoded order.
func ParseNameDER(der []byte) (DistinguishedName, error) {
	var seq pkix.RDNSequence
	rest, err := asn1.Unmarshal(der, &seq)
	if err != nil {
		return nil, fmt.Errorf("parse name: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("parse name: trailing data")
	}
	n := make(DistinguishedName, 0, len(seq))
	for _, rdn := range seq {
		for _, atv := range rdn {
			value, ok := atv.Value.(string)
			if !ok {
				value = fmt.Sprint(atv.Value)
			}
			n = append(n, Attribute{Type: atv.Type, Value: value})
		}
	}
	return n, nil
}

func oidForKey(key string) (asn1.ObjectIdentifier, error) {
	upper := strings.ToUpper(key)
	for _, k := range attributeKeys {
		if k.key == upper {
			return k.oid, nil
		}
	}
	return nil, fmt.Errorf("unsupported name attribute %q", key)
}

func keyForOID(oid asn1.ObjectIdentifier) string {
	for _, k := range attributeKeys {
		if k.oid.Equal(oid) {
			return k.key
		}
	}
	return oid.String()
}

// splitUnescaped splits s on commas that are not preceded by a backslash and
// unescapes "\," in each part.
func splitUnescaped(s string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == ',':
			cur.WriteByte(',')
			i++
		case s[i] == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(parts, cur.String())
}
