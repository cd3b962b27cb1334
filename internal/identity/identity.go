package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Certificate material file names inside the config directory.
const (
	CertificateFile = "certificate.pem"
	PrivateKeyFile  = "privateKey.pem"
)

const (
	keyBits      = 2048
	certBackdate = 365 * 24 * time.Hour
	certLifetime = 10 * 365 * 24 * time.Hour
)

// Identity-related errors.
var (
	ErrNoCertificate = errors.New("certificate has no common name")
)

// Identity is the stable cryptographic identity of this device: a
// self-signed X.509 certificate whose common name is the device id, and
// its private key. Both ends of a KDE Connect session present such a
// certificate; neither chain-verifies, the peer pins it at pairing time.
type Identity struct {
	deviceID string
	cert     tls.Certificate
	certPEM  []byte
}

// LoadOrCreate loads the identity from the config directory, generating
// and persisting a fresh one when no usable material exists.
func LoadOrCreate(configDir string) (*Identity, error) {
	id, err := Load(configDir)
	if err == nil {
		return id, nil
	}

	deviceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := generate(deviceID, configDir); err != nil {
		return nil, err
	}

	return Load(configDir)
}

// Load reads existing certificate material from the config directory.
func Load(configDir string) (*Identity, error) {
	certPath := filepath.Join(configDir, CertificateFile)
	keyPath := filepath.Join(configDir, PrivateKeyFile)

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	if leaf.Subject.CommonName == "" {
		return nil, ErrNoCertificate
	}
	cert.Leaf = leaf

	return &Identity{
		deviceID: leaf.Subject.CommonName,
		cert:     cert,
		certPEM:  certPEM,
	}, nil
}

// generate creates and persists a self-signed certificate for deviceID.
// Validity is backdated a year to sidestep clock skew on peers.
func generate(deviceID, configDir string) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	notBefore := time.Now().Add(-certBackdate)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         deviceID,
			OrganizationalUnit: []string{"KDE Connect"},
			Organization:       []string{"KDE"},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(certLifetime),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := os.WriteFile(filepath.Join(configDir, PrivateKeyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, CertificateFile), certPEM, 0600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	return nil
}

// DeviceID returns the device identifier bound to the certificate.
func (i *Identity) DeviceID() string {
	return i.deviceID
}

// CertificatePEM returns the PEM-encoded certificate.
func (i *Identity) CertificatePEM() []byte {
	return i.certPEM
}

// ClientTLSConfig returns the TLS options used when this side plays the
// client role in a handshake: upgrading an accepted session socket, or
// dialing a peer's payload transfer port. Peer verification is disabled;
// identity is pinned out-of-band during pairing.
func (i *Identity) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{i.cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// ServerTLSConfig returns the TLS options for payload transfer listeners.
func (i *Identity) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{i.cert},
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequestClientCert,
		MinVersion:         tls.VersionTLS12,
	}
}

// PEMFromCertificate encodes a peer's presented certificate to PEM for
// persistence in the trust store.
func PEMFromCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
