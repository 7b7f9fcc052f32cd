package opcua

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
)

//ApplicationURI must match the URI embedded in the client certificate
const ApplicationURI = "urn:opcua-gateway:client"

//GenerateCert creates a self signed client certificate and its RSA key, both PEM encoded
func GenerateCert(policy session.SecurityPolicy, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	rsaBits := 2048
	signatureAlgorithm := x509.SHA256WithRSA

	switch policy {
	case session.PolicyBasic128Rsa15:
		rsaBits = 1024
		signatureAlgorithm = x509.SHA1WithRSA
	case session.PolicyBasic256:
		signatureAlgorithm = x509.SHA1WithRSA
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// 127 bits keeps the DER encoded serial positive
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	appURI, err := url.Parse(ApplicationURI)
	if err != nil {
		return nil, nil, err
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	// PLC clocks are often off, so validity starts at the beginning of the year
	now := time.Now().UTC()
	notBefore := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   ApplicationName,
			Organization: []string{"iot-for-tillgenglighet"},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    signatureAlgorithm,
		DNSNames:              []string{hostname},
		URIs:                  []*url.URL{appURI},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return certPEM, keyPEM, nil
}
