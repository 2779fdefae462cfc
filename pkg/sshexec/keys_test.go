package sshexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// TestGenerateKeyPairRoundTrip verifies a generated key pair parses back
// and that the fingerprint of the public line matches the signer.
func TestGenerateKeyPairRoundTrip(t *testing.T) {
	pub, privPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Contains(t, string(pub), "ssh-ed25519 ")

	signer, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)

	fp, err := Fingerprint(pub)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(signer.PublicKey()), fp)
	assert.Contains(t, fp, "SHA256:")
}

// TestLoadOrCreateKeyPair verifies first use generates and persists the
// pair and later calls return the same key.
func TestLoadOrCreateKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	signer1, pub1, err := LoadOrCreateKeyPair(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	signer2, pub2, err := LoadOrCreateKeyPair(dir)
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t,
		ssh.FingerprintSHA256(signer1.PublicKey()),
		ssh.FingerprintSHA256(signer2.PublicKey()))
}

// TestFingerprintRejectsGarbage verifies malformed key material fails
// cleanly.
func TestFingerprintRejectsGarbage(t *testing.T) {
	_, err := Fingerprint([]byte("not a key at all"))
	assert.Error(t, err)

	_, err = Fingerprint(nil)
	assert.Error(t, err)
}

// TestFingerprintIgnoresComment verifies the fingerprint depends only on
// the key material, not the trailing comment.
func TestFingerprintIgnoresComment(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	plain, err := Fingerprint(pub)
	require.NoError(t, err)

	withComment := append([]byte(nil), pub...)
	withComment = append(withComment[:len(withComment)-1], []byte(" alice@laptop\n")...)
	commented, err := Fingerprint(withComment)
	require.NoError(t, err)

	assert.Equal(t, plain, commented)
}
