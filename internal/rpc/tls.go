// Package rpc is the mutual-TLS HTTP transport between pipectl, the
// coordinator and host agents. Peers trust each other by pinned
// certificate fingerprint rather than by a CA.
package rpc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Identity is a self-signed certificate and its fingerprint.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string
}

// GetCertFingerprint returns the hex sha256 of a DER encoded certificate.
func GetCertFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// LoadIdentity loads the certificate kept under dir/tls, creating it on
// first use. The fingerprint file is rewritten when missing so operators
// can always copy it from disk.
func LoadIdentity(dir, name string) (*Identity, error) {
	dir = filepath.Join(dir, "tls")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	var (
		certFile        = filepath.Join(dir, "cert.pem")
		keyFile         = filepath.Join(dir, "key.pem")
		fingerprintFile = filepath.Join(dir, "fingerprint.txt")
	)

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		certPEM, keyPEM, err := genCert(name)
		if err != nil {
			return nil, fmt.Errorf("generating certificate: %w", err)
		}
		if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
			return nil, fmt.Errorf("writing certificate: %w", err)
		}
		if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
			return nil, fmt.Errorf("writing key: %w", err)
		}
		if cert, err = tls.X509KeyPair(certPEM, keyPEM); err != nil {
			return nil, err
		}
	}
	if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
		return nil, err
	}

	id := &Identity{Certificate: cert, Fingerprint: GetCertFingerprint(cert.Leaf.Raw)}
	if existing, err := os.ReadFile(fingerprintFile); err != nil || strings.TrimSpace(string(existing)) != id.Fingerprint {
		if err := os.WriteFile(fingerprintFile, []byte(id.Fingerprint+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("writing fingerprint: %w", err)
		}
	}
	return id, nil
}

func genCert(name string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour * 24 * 3650),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
