package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

// SignatureAlgorithm is one entry of the verifier allow-list: the signature
// algorithm on the agent certificate together with the issuer key it must
// have been produced by.
type SignatureAlgorithm struct {
	Name      string
	Algorithm x509.SignatureAlgorithm
	// Curve is the issuer's elliptic curve name; empty for Ed25519.
	Curve string
}

var (
	ECDSAP256SHA256 = SignatureAlgorithm{Name: "ECDSA_P256_SHA256", Algorithm: x509.ECDSAWithSHA256, Curve: "P-256"}
	ECDSAP384SHA384 = SignatureAlgorithm{Name: "ECDSA_P384_SHA384", Algorithm: x509.ECDSAWithSHA384, Curve: "P-384"}
	Ed25519         = SignatureAlgorithm{Name: "ED25519", Algorithm: x509.PureEd25519}
)

var knownAlgorithms = []SignatureAlgorithm{ECDSAP256SHA256, ECDSAP384SHA384, Ed25519}

// DefaultAlgorithms is the allow-list used when none is configured.
func DefaultAlgorithms() []SignatureAlgorithm {
	return []SignatureAlgorithm{ECDSAP256SHA256}
}

// AlgorithmsByName resolves configured algorithm names. Unknown names are an
// error; there is no wildcard.
func AlgorithmsByName(names []string) ([]SignatureAlgorithm, error) {
	if len(names) == 0 {
		return DefaultAlgorithms(), nil
	}

	out := make([]SignatureAlgorithm, 0, len(names))
	for _, name := range names {
		found := false
		for _, alg := range knownAlgorithms {
			if strings.EqualFold(strings.TrimSpace(name), alg.Name) {
				out = append(out, alg)
				found = true
				break
			}
		}
		if !found {
			return nil, NewConfigValidationError("allowed_algorithms", name, "unknown signature algorithm")
		}
	}
	return out, nil
}

func (a SignatureAlgorithm) matches(cert *x509.Certificate, issuer *x509.Certificate) bool {
	if cert.SignatureAlgorithm != a.Algorithm {
		return false
	}
	switch key := issuer.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return a.Curve != "" && key.Curve.Params().Name == a.Curve
	case ed25519.PublicKey:
		return a.Curve == "" && a.Algorithm == x509.PureEd25519
	default:
		return false
	}
}

// TrustAnchor is the CA certificate agents must chain to. It is immutable
// once loaded.
type TrustAnchor struct {
	cert *x509.Certificate
	pool *x509.CertPool
	path string
}

// LoadTrustAnchor reads and parses the CA certificate at path. A failure here
// is fatal to the broker.
func LoadTrustAnchor(path string) (*TrustAnchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewTrustAnchorError(path, "file not found", err)
		}
		return nil, NewTrustAnchorError(path, "read failed", err)
	}

	anchor, err := ParseTrustAnchor(data)
	if err != nil {
		return nil, NewTrustAnchorError(path, "parse failed", err)
	}
	anchor.path = path
	return anchor, nil
}

// ParseTrustAnchor parses the first PEM certificate in data.
func ParseTrustAnchor(data []byte) (*TrustAnchor, error) {
	cert, err := parseCertificatePEM(data)
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", cert.Subject.String())
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &TrustAnchor{cert: cert, pool: pool}, nil
}

// Certificate returns the parsed CA certificate.
func (t *TrustAnchor) Certificate() *x509.Certificate {
	return t.cert
}

// Subject returns the CA subject for logging.
func (t *TrustAnchor) Subject() string {
	return t.cert.Subject.String()
}

// AgentClaim holds what the verifier learned about an admitted agent. It is
// informational only; agent identities are minted independently.
type AgentClaim struct {
	Subject      string
	SerialNumber string
	Fingerprint  string
	NotAfter     time.Time
	// SPIFFEID is set when the certificate carries exactly one SPIFFE URI SAN.
	SPIFFEID string
}

// Verifier admits agents whose Register certificate chains directly to the
// trust anchor.
type Verifier struct {
	anchor     *TrustAnchor
	algorithms []SignatureAlgorithm
	now        func() time.Time
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithAlgorithms replaces the signature algorithm allow-list.
func WithAlgorithms(algs ...SignatureAlgorithm) VerifierOption {
	return func(v *Verifier) {
		v.algorithms = append([]SignatureAlgorithm(nil), algs...)
	}
}

// WithClock overrides the wall clock used for validity checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier bound to anchor.
func NewVerifier(anchor *TrustAnchor, opts ...VerifierOption) (*Verifier, error) {
	if anchor == nil {
		return nil, NewConfigValidationError("trust_anchor", nil, "trust anchor is required")
	}

	v := &Verifier{
		anchor:     anchor,
		algorithms: DefaultAlgorithms(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	if len(v.algorithms) == 0 {
		return nil, NewConfigValidationError("allowed_algorithms", nil, "at least one algorithm is required")
	}
	return v, nil
}

// Verify checks candidatePEM as a TLS client certificate issued by the trust
// anchor. Errors match ErrMalformedCertificate or ErrUntrustedCertificate.
func (v *Verifier) Verify(candidatePEM string) (*AgentClaim, error) {
	cert, err := parseCertificatePEM([]byte(strings.TrimSpace(candidatePEM)))
	if err != nil {
		return nil, NewMalformedCertificateError("invalid pem certificate", err)
	}

	if cert.IsCA {
		return nil, NewUntrustedCertificateError("ca certificate presented as end-entity", nil)
	}

	if !v.algorithmAllowed(cert) {
		return nil, NewUntrustedCertificateError("signature algorithm not allowed", nil).
			WithContext("signature_algorithm", cert.SignatureAlgorithm.String())
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:         v.anchor.pool,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, NewUntrustedCertificateError(verifyReason(err), err)
	}

	return newAgentClaim(cert), nil
}

func (v *Verifier) algorithmAllowed(cert *x509.Certificate) bool {
	for _, alg := range v.algorithms {
		if alg.matches(cert, v.anchor.cert) {
			return true
		}
	}
	return false
}

func verifyReason(err error) string {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		switch invalid.Reason {
		case x509.Expired:
			return "certificate expired or not yet valid"
		case x509.IncompatibleUsage:
			return "certificate not valid for client authentication"
		}
		return "invalid certificate"
	}

	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return "certificate not signed by trusted ca"
	}
	return "chain verification failed"
}

func newAgentClaim(cert *x509.Certificate) *AgentClaim {
	sum := sha256.Sum256(cert.Raw)
	claim := &AgentClaim{
		Subject:      cert.Subject.String(),
		SerialNumber: cert.SerialNumber.String(),
		Fingerprint:  hex.EncodeToString(sum[:]),
		NotAfter:     cert.NotAfter,
	}
	if id, err := x509svid.IDFromCert(cert); err == nil {
		claim.SPIFFEID = id.String()
	}
	return claim
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block found")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("pem block is %q, not CERTIFICATE", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}
