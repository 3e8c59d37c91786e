package identity

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// oidCompositeKey identifies a threshold composite public key in a
// SubjectPublicKeyInfo.
var oidCompositeKey = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 50530, 1, 2}

var (
	oidSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidSignatureSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSignatureEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}

	oidExtSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// CompositeKey is a public identity made of several member keys. It is
// satisfied by signatures from at least Threshold distinct members.
type CompositeKey struct {
	Threshold int
	Members   []crypto.PublicKey
}

// NewCompositeKey requires 1 <= threshold <= len(members) and distinct members.
func NewCompositeKey(threshold int, members ...crypto.PublicKey) (*CompositeKey, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no member keys", ErrInvalidThreshold)
	}
	if threshold < 1 || threshold > len(members) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, threshold, len(members))
	}
	seen := make(map[string]bool, len(members))
	for i, m := range members {
		der, err := x509.MarshalPKIXPublicKey(m)
		if err != nil {
			return nil, fmt.Errorf("composite member %d: %w", i, err)
		}
		if seen[string(der)] {
			return nil, fmt.Errorf("composite member %d is a duplicate", i)
		}
		seen[string(der)] = true
	}
	return &CompositeKey{Threshold: threshold, Members: append([]crypto.PublicKey(nil), members...)}, nil
}

// Marshal encodes the key as SEQUENCE { threshold INTEGER, SEQUENCE OF SubjectPublicKeyInfo }.
func (k *CompositeKey) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	var memberErr error
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(k.Threshold))
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, m := range k.Members {
				der, err := x509.MarshalPKIXPublicKey(m)
				if err != nil {
					memberErr = err
					return
				}
				b.AddBytes(der)
			}
		})
	})
	if memberErr != nil {
		return nil, fmt.Errorf("marshal composite member: %w", memberErr)
	}
	return b.Bytes()
}

// MarshalPKIX wraps the encoded key in a SubjectPublicKeyInfo.
func (k *CompositeKey) MarshalPKIX() ([]byte, error) {
	inner, err := k.Marshal()
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidCompositeKey)
		})
		b.AddASN1BitString(inner)
	})
	return b.Bytes()
}

// ParseCompositeKey decodes the output of Marshal.
func ParseCompositeKey(der []byte) (*CompositeKey, error) {
	input := cryptobyte.String(der)
	var seq, members cryptobyte.String
	var threshold int64
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Int64WithTag(&threshold, cbasn1.INTEGER) ||
		!seq.ReadASN1(&members, cbasn1.SEQUENCE) || !seq.Empty() {
		return nil, errors.New("invalid composite key encoding")
	}
	var keys []crypto.PublicKey
	for !members.Empty() {
		var spki cryptobyte.String
		if !members.ReadASN1Element(&spki, cbasn1.SEQUENCE) {
			return nil, errors.New("invalid composite key member")
		}
		pub, err := x509.ParsePKIXPublicKey(spki)
		if err != nil {
			return nil, fmt.Errorf("composite key member %d: %w", len(keys), err)
		}
		keys = append(keys, pub)
	}
	return NewCompositeKey(int(threshold), keys...)
}

// CompositeKeyFromCertificate extracts the composite key certified by cert.
func CompositeKeyFromCertificate(cert *x509.Certificate) (*CompositeKey, error) {
	input := cryptobyte.String(cert.RawSubjectPublicKeyInfo)
	var spki, alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	var bits asn1.BitString
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&alg, cbasn1.SEQUENCE) ||
		!alg.ReadASN1ObjectIdentifier(&oid) ||
		!spki.ReadASN1BitString(&bits) {
		return nil, errors.New("invalid subject public key info")
	}
	if !oid.Equal(oidCompositeKey) {
		return nil, fmt.Errorf("certificate key algorithm %s is not a composite key", oid)
	}
	return ParseCompositeKey(bits.RightAlign())
}

// Equal reports whether both keys have the same threshold and members in the
// same order.
func (k *CompositeKey) Equal(other *CompositeKey) bool {
	if other == nil || k.Threshold != other.Threshold || len(k.Members) != len(other.Members) {
		return false
	}
	a, errA := k.Marshal()
	b, errB := other.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// IsFulfilledBy reports whether keys include at least Threshold distinct members.
func (k *CompositeKey) IsFulfilledBy(keys ...crypto.PublicKey) bool {
	matched := make(map[int]bool)
	for _, key := range keys {
		if i := k.memberIndex(key); i >= 0 {
			matched[i] = true
		}
	}
	return len(matched) >= k.Threshold
}

func (k *CompositeKey) memberIndex(key crypto.PublicKey) int {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	for i, m := range k.Members {
		if e, ok := m.(equaler); ok && e.Equal(key) {
			return i
		}
	}
	return -1
}

// MemberSignature is one member's signature over a message.
type MemberSignature struct {
	Key       crypto.PublicKey
	Signature []byte
}

// SignMember signs msg with signer using SHA-256 (or pure Ed25519).
func SignMember(signer crypto.Signer, msg []byte) (MemberSignature, error) {
	var (
		sig []byte
		err error
	)
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		sig, err = signer.Sign(rand.Reader, msg, crypto.Hash(0))
	} else {
		digest := sha256.Sum256(msg)
		sig, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	if err != nil {
		return MemberSignature{}, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	return MemberSignature{Key: signer.Public(), Signature: sig}, nil
}

// VerifySignatures checks that at least Threshold distinct members produced a
// valid signature over msg. Signatures from non-members or invalid signatures
// are not counted.
func (k *CompositeKey) VerifySignatures(msg []byte, sigs []MemberSignature) error {
	digest := sha256.Sum256(msg)
	valid := make(map[int]bool)
	for _, s := range sigs {
		i := k.memberIndex(s.Key)
		if i < 0 || valid[i] {
			continue
		}
		if verifyMember(k.Members[i], msg, digest[:], s.Signature) {
			valid[i] = true
		}
	}
	if len(valid) < k.Threshold {
		return fmt.Errorf("composite signature: %d valid member signatures, %d required", len(valid), k.Threshold)
	}
	return nil
}

func verifyMember(pub crypto.PublicKey, msg, digest, sig []byte) bool {
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest, sig)
	case ed25519.PublicKey:
		return ed25519.Verify(pub, msg, sig)
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig) == nil
	default:
		return false
	}
}

// IssueCompositeCertificate certifies key under issuerCert. crypto/x509 cannot
// marshal a composite public key, so the TBSCertificate is assembled here and
// signed with issuerKey.
func IssueCompositeCertificate(
	issuerCert *x509.Certificate,
	issuerKey crypto.Signer,
	subject DistinguishedName,
	key *CompositeKey,
	role CertificateRole,
	validity Validity,
) (*x509.Certificate, error) {
	issuerRole, err := RoleOf(issuerCert)
	if err != nil {
		return nil, err
	}
	if !issuerRole.CanIssue(role) {
		return nil, fmt.Errorf("%w: %s cannot issue %s", ErrInvalidIssuerRole, issuerRole, role)
	}
	if err := validity.check(); err != nil {
		return nil, err
	}
	rawSubject, err := subject.Marshal()
	if err != nil {
		return nil, err
	}
	spki, err := key.MarshalPKIX()
	if err != nil {
		return nil, err
	}
	keyBits, err := key.Marshal()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	sigAlg, err := signatureAlgorithm(issuerKey.Public())
	if err != nil {
		return nil, err
	}
	roleExt, err := roleExtension(role)
	if err != nil {
		return nil, err
	}
	skid := sha1.Sum(keyBits)

	var tbs cryptobyte.Builder
	tbs.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1Int64(2)
		})
		b.AddASN1BigInt(serial)
		b.AddBytes(sigAlg)
		b.AddBytes(issuerCert.RawSubject)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addTime(b, validity.NotBefore)
			addTime(b, validity.NotAfter)
		})
		b.AddBytes(rawSubject)
		b.AddBytes(spki)
		b.AddASN1(cbasn1.Tag(3).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				addExtension(b, oidExtBasicConstraints, true, basicConstraintsValue(role))
				addExtension(b, oidExtKeyUsage, true, keyUsageValue(role))
				addExtension(b, oidExtSubjectKeyID, false, octetString(skid[:]))
				if len(issuerCert.SubjectKeyId) > 0 {
					addExtension(b, oidExtAuthorityKeyID, false, authorityKeyIDValue(issuerCert.SubjectKeyId))
				}
				addExtension(b, roleExt.Id, false, roleExt.Value)
			})
		})
	})
	tbsDER, err := tbs.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode composite certificate: %w", err)
	}

	signature, err := signTBS(issuerKey, tbsDER)
	if err != nil {
		return nil, err
	}

	var cert cryptobyte.Builder
	cert.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbsDER)
		b.AddBytes(sigAlg)
		b.AddASN1BitString(signature)
	})
	der, err := cert.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode composite certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse composite certificate: %w", err)
	}
	if err := parsed.CheckSignatureFrom(issuerCert); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}
	return parsed, nil
}

func signatureAlgorithm(pub crypto.PublicKey) ([]byte, error) {
	var b cryptobyte.Builder
	switch pub.(type) {
	case *ecdsa.PublicKey:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSignatureECDSAWithSHA256)
		})
	case *rsa.PublicKey:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSignatureSHA256WithRSA)
			b.AddASN1NULL()
		})
	case ed25519.PublicKey:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSignatureEd25519)
		})
	default:
		return nil, fmt.Errorf("%w: unsupported issuer key type %T", ErrSigningFailure, pub)
	}
	return b.Bytes()
}

func signTBS(signer crypto.Signer, tbs []byte) ([]byte, error) {
	s, err := SignMember(signer, tbs)
	if err != nil {
		return nil, err
	}
	return s.Signature, nil
}

func addTime(b *cryptobyte.Builder, t time.Time) {
	t = t.UTC().Truncate(time.Second)
	if t.Year() >= 1950 && t.Year() < 2050 {
		b.AddASN1UTCTime(t)
		return
	}
	b.AddASN1GeneralizedTime(t)
}

func addExtension(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, critical bool, value []byte) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		if critical {
			b.AddASN1Boolean(true)
		}
		b.AddASN1OctetString(value)
	})
}

func basicConstraintsValue(role CertificateRole) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if !role.IsCA() {
			return
		}
		b.AddASN1Boolean(true)
		if role == RoleNodeCA {
			b.AddASN1Int64(0)
		}
	})
	return b.BytesOrPanic()
}

// keyUsageValue mirrors the bit layout crypto/x509 writes for the role.
func keyUsageValue(role CertificateRole) []byte {
	var t x509.Certificate
	_ = role.apply(&t)
	ku := t.KeyUsage

	var raw [2]byte
	raw[0] = reverseBits(byte(ku))
	raw[1] = reverseBits(byte(ku >> 8))
	data := raw[:1]
	if raw[1] != 0 {
		data = raw[:2]
	}
	last := data[len(data)-1]
	unused := byte(0)
	for unused < 8 && last&(1<<unused) == 0 {
		unused++
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(unused)
		b.AddBytes(data)
	})
	return b.BytesOrPanic()
}

func reverseBits(v byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r = r<<1 | v&1
		v >>= 1
	}
	return r
}

func octetString(v []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1OctetString(v)
	return b.BytesOrPanic()
}

func authorityKeyIDValue(keyID []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(keyID)
		})
	})
	return b.BytesOrPanic()
}
