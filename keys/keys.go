// Package keys generates SSH host keys for servers that start without a
// configured key file.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GenerateRSAKey returns a fresh RSA private key in PEM format. Only the
// standard sizes are accepted.
func GenerateRSAKey(bitSize int) ([]byte, error) {
	switch bitSize {
	case 2048, 3072, 4096:
	default:
		return nil, fmt.Errorf("invalid RSA key size %d", bitSize)
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, fmt.Errorf("generating RSA private key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}
	return pem.EncodeToMemory(block), nil
}
