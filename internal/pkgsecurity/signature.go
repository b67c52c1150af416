package pkgsecurity

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/protei/lwm2mclient/internal/registry"
)

// PackageKind selects which built-in public key backs a signature check:
// firmware packages ship an X.509 SubjectPublicKeyInfo, software packages a
// bare PKCS#1 RSA public key, per spec §4.6.
type PackageKind int

const (
	Firmware PackageKind = iota
	Software
)

// The following are placeholder build-time key constants in the shape spec
// §4.6 calls for ("fixed byte-array constants for FW and SW"); a real
// deployment substitutes the operator's actual signing keys here. Keeping
// them as PEM constants mirrors the design notes' "Static PEM/DER key
// blobs: keep as build-time constants; expose them via a lookup
// publicKeyFor(packageKind)".
const (
	firmwarePublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAr9DZXY5QheUGL8c6tivm
5GEe64U2+AtV8mkzC42v2f5A/iSEw0mu9FJFBU6ILDxoSiEdhEdvIgAZ1b4EJlpj
G/mshhZPqWCHR1N4AeCNrTCYskch2NcK4SH7I73ftBajQYl+LNGfFtsniLi8BfZ/
eiMTKkOnMKCiouGCU8LhHkPXvx6l6bzZpn6s4IshP1NiLx6keem0AxCKz+cnPtIF
V4TUDekjMQDZuefDLymJufbz9bO2SDAiBhA7EwY5v1V+FQx+7yzkicr0Rf9UYp9d
SU3br0Gkhk5MgntNznqz7MJZpOI+03TefxpbhzUEQ/yBRi9Jf9dzIHq7IpkNsI9B
rQIDAQAB
-----END PUBLIC KEY-----`

	softwarePublicKeyPEM = `-----BEGIN RSA PUBLIC KEY-----
MIIBCgKCAQEAwn5oBzx7jgT6MIKd9iPTRcS4rQoDCCf/xb6KRIW+WLLeOL8AuZTO
FceyKrxMvwVOOpVOPCmtNBK7nS07Qbcwq8KJeKv8n2mbWxMGWGobhIqstsUAkMTh
vvdaDblaCUykrN/O5OVJiH0MgLRrzRo53LlWkrcqQh8B4Q/YGA5MZylVXIGnBvrK
cw2fLJb+2ZmWubYU6tsehQuzG60Xe+YUV/eooacTnkfPVaw4Myu5c0jTBd8MZqJo
NuOg0I2AdbW3+FZzHyMqSxu0ceMaLpz0sLYd8HsUqOSQhO+lpkouvGzyzz4+m+mw
ITkHAGYH+cjiRshEXL9Z2GtbTsmp8FVNyQIDAQAB
-----END RSA PUBLIC KEY-----`
)

// publicKeyFor returns the built-in RSA public key for kind, trying
// PKCS#1 first and falling back to SubjectPublicKeyInfo per spec §4.6.
func publicKeyFor(kind PackageKind) (*rsa.PublicKey, error) {
	pemBlob := firmwarePublicKeyPEM
	if kind == Software {
		pemBlob = softwarePublicKeyPEM
	}
	block, _ := pem.Decode([]byte(pemBlob))
	if block == nil {
		return nil, fmt.Errorf("pkgsecurity: no PEM block found for package key")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pkgsecurity: parse public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pkgsecurity: package public key is not RSA")
	}
	return rsaKey, nil
}

// VerifySignature checks sig against d, a SHA-1 digest of the package
// contents, using PSS padding, per spec §4.6. It returns CompletedOK or
// GeneralError — never ShaDigestMismatch, which is reserved for the plain
// integrity check in EndAndCheckSHA256. d must have been built with
// NewDigest(SHA1); a SHA-256 digest here is a caller error.
func VerifySignature(kind PackageKind, d *Digest, sig []byte) registry.Status {
	key, err := publicKeyFor(kind)
	if err != nil {
		return registry.GeneralError
	}
	return verifyAgainstKey(key, d, sig)
}

// verifyAgainstKey is VerifySignature's digest/signature check split out
// from the built-in key lookup, so tests can exercise the accept path
// against a freshly generated keypair without needing a matching private
// key for the built-in constants above.
func verifyAgainstKey(key *rsa.PublicKey, d *Digest, sig []byte) registry.Status {
	if d.kind != SHA1 {
		return registry.GeneralError
	}
	if err := rsa.VerifyPSS(key, crypto.SHA1, d.Sum(), sig, nil); err != nil {
		return registry.GeneralError
	}
	return registry.CompletedOK
}
