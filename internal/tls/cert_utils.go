package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// KeyType selects the key algorithm for generated certificates.
type KeyType string

const (
	KeyTypeECDSAP256 KeyType = "ecdsa-p256"
	KeyTypeECDSAP384 KeyType = "ecdsa-p384"
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeRSA       KeyType = "rsa"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	URIs         []*url.URL
	// NotBefore defaults to one minute ago to tolerate clock skew.
	NotBefore    time.Time
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	KeyType      KeyType
	SerialNumber *big.Int
}

// Authority is a CA able to issue agent certificates.
type Authority struct {
	Cert    *x509.Certificate
	Key     crypto.Signer
	CertPEM []byte
	KeyPEM  []byte
}

// NewAuthority generates a self-signed CA certificate.
func NewAuthority(opts CertificateGenerationOptions) (*Authority, error) {
	opts.IsCA = true
	if opts.CommonName == "" {
		opts.CommonName = "Polis Relay CA"
	}
	if opts.ValidFor == 0 {
		opts.ValidFor = 10 * 365 * 24 * time.Hour
	}

	cert, key, err := createCertificate(opts, nil, nil)
	if err != nil {
		return nil, err
	}
	return newAuthority(cert, key)
}

// LoadAuthority reads a CA certificate and its PKCS#8 private key from disk.
func LoadAuthority(certFile, keyFile string) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, NewCertificateLoadError(certFile, keyFile, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, NewCertificateLoadError(certFile, keyFile, err)
	}

	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, NewCertificateLoadError(certFile, keyFile, err)
	}
	if !cert.IsCA {
		return nil, NewCertificateLoadError(certFile, keyFile, fmt.Errorf("certificate is not a CA"))
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, NewCertificateLoadError(certFile, keyFile, fmt.Errorf("no pem block in key file"))
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, NewCertificateLoadError(certFile, keyFile, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, NewCertificateLoadError(certFile, keyFile, fmt.Errorf("unsupported key type %T", parsed))
	}

	return &Authority{Cert: cert, Key: signer, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// IssueClientCertificate creates an agent certificate signed by the authority.
func (a *Authority) IssueClientCertificate(opts CertificateGenerationOptions) (certPEM, keyPEM []byte, err error) {
	opts.IsCA = false
	opts.IsClientCert = true
	if opts.CommonName == "" {
		opts.CommonName = "polis-agent"
	}
	if opts.KeyType == "" {
		opts.KeyType = keyTypeOf(a.Key)
	}

	cert, key, err := createCertificate(opts, a.Cert, a.Key)
	if err != nil {
		return nil, nil, err
	}
	return encodeCertificate(cert, key)
}

// IssueServerCertificate creates a broker listener certificate signed by the
// authority.
func (a *Authority) IssueServerCertificate(opts CertificateGenerationOptions) (certPEM, keyPEM []byte, err error) {
	opts.IsCA = false
	opts.IsClientCert = false
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if len(opts.DNSNames) == 0 && len(opts.IPAddresses) == 0 {
		opts.DNSNames = []string{"localhost"}
		opts.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	cert, key, err := createCertificate(opts, a.Cert, a.Key)
	if err != nil {
		return nil, nil, err
	}
	return encodeCertificate(cert, key)
}

func newAuthority(cert *x509.Certificate, key crypto.Signer) (*Authority, error) {
	certPEM, keyPEM, err := encodeCertificate(cert, key)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func createCertificate(opts CertificateGenerationOptions, parent *x509.Certificate, parentKey crypto.Signer) (*x509.Certificate, crypto.Signer, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	if opts.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		opts.SerialNumber = serial
	}

	key, err := generateKey(opts.KeyType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		URIs:                  opts.URIs,
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.MaxPathLen = 0
		template.MaxPathLenZero = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case opts.IsClientCert:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	if _, isRSA := key.(*rsa.PrivateKey); isRSA {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	if parent == nil || parentKey == nil {
		parent = template
		parentKey = key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}
	return cert, key, nil
}

func generateKey(keyType KeyType) (crypto.Signer, error) {
	switch keyType {
	case "", KeyTypeECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case KeyTypeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case KeyTypeRSA:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

func keyTypeOf(key crypto.Signer) KeyType {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve == elliptic.P384() {
			return KeyTypeECDSAP384
		}
		return KeyTypeECDSAP256
	case ed25519.PrivateKey:
		return KeyTypeEd25519
	case *rsa.PrivateKey:
		return KeyTypeRSA
	default:
		return KeyTypeECDSAP256
	}
}

func encodeCertificate(cert *x509.Certificate, key crypto.Signer) (certPEM, keyPEM []byte, err error) {
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	// Write key file with restricted permissions
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// CertificateInfo contains information about a certificate
type CertificateInfo struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	IsCA               bool      `json:"is_ca"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	URIs               []string  `json:"uris,omitempty"`
	CertFile           string    `json:"file"`
}

// GetCertificateFileInfo extracts information from a certificate file
func GetCertificateFileInfo(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	cert, err := parseCertificatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	info := &CertificateInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       cert.SerialNumber.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		IsCA:               cert.IsCA,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		DNSNames:           cert.DNSNames,
		CertFile:           certFile,
	}
	for _, u := range cert.URIs {
		info.URIs = append(info.URIs, u.String())
	}
	return info, nil
}
