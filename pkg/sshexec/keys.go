package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
)

// GenerateKeyPair generates an ed25519 key pair and returns the OpenSSH
// authorized_keys line for the public half and the PEM-encoded PKCS#8
// private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// ParsePrivateKey parses a PEM-encoded private key into a signer
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// LoadOrCreateKeyPair returns the key pair stored in dir, generating and
// persisting a fresh one on first use. The private key is written with
// mode 0600.
func LoadOrCreateKeyPair(dir string) (ssh.Signer, []byte, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privPEM, err := os.ReadFile(privPath)
	if err == nil {
		signer, parseErr := ParsePrivateKey(privPEM)
		if parseErr != nil {
			return nil, nil, parseErr
		}
		pub, readErr := os.ReadFile(pubPath)
		if readErr != nil {
			pub = ssh.MarshalAuthorizedKey(signer.PublicKey())
		}
		return signer, pub, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}

	pub, privPEM, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, 0644); err != nil {
		return nil, nil, fmt.Errorf("write public key: %w", err)
	}

	signer, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, nil, err
	}
	return signer, pub, nil
}

// Fingerprint returns the SHA256 fingerprint of a public key given in
// authorized_keys format. The same key always fingerprints the same way
// regardless of comment or option differences in the line.
func Fingerprint(authorizedKey []byte) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}
