package keyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComposeWithHeader tests rendering a header plus managed keys
func TestComposeWithHeader(t *testing.T) {
	header := []byte("ssh-ed25519 AAAC3 control-plane\n")
	keys := [][]byte{
		[]byte("ssh-ed25519 AAAA1 alice@laptop"),
		[]byte("ssh-ed25519 AAAA2 bob@desk\n"),
	}

	got := string(Compose(header, keys))
	want := "ssh-ed25519 AAAC3 control-plane\n" +
		Marker + "\n" +
		"ssh-ed25519 AAAA1 alice@laptop\n" +
		"ssh-ed25519 AAAA2 bob@desk\n"
	assert.Equal(t, want, got)
}

// TestComposeNoHeader tests that an empty header starts at the marker
func TestComposeNoHeader(t *testing.T) {
	got := string(Compose(nil, [][]byte{[]byte("ssh-ed25519 AAAA1 a")}))
	assert.Equal(t, Marker+"\nssh-ed25519 AAAA1 a\n", got)
}

// TestComposeSkipsBlankKeys tests that empty key entries produce no lines
func TestComposeSkipsBlankKeys(t *testing.T) {
	got := string(Compose(nil, [][]byte{nil, []byte("  \n"), []byte("ssh-ed25519 AAAA1 a")}))
	assert.Equal(t, Marker+"\nssh-ed25519 AAAA1 a\n", got)
}

// TestHeaderRoundTrip tests that recomposing with the extracted header
// is stable
func TestHeaderRoundTrip(t *testing.T) {
	header := []byte("# operator notes\nssh-ed25519 AAAC3 control-plane\n")
	content := Compose(header, [][]byte{[]byte("ssh-ed25519 AAAA1 a")})

	got := Header(content)
	assert.Equal(t, string(header), string(got))

	again := Compose(got, [][]byte{[]byte("ssh-ed25519 AAAA2 b")})
	assert.Equal(t,
		"# operator notes\nssh-ed25519 AAAC3 control-plane\n"+Marker+"\nssh-ed25519 AAAA2 b\n",
		string(again))
}

// TestHeaderNoMarker tests that unmanaged content is all header
func TestHeaderNoMarker(t *testing.T) {
	content := []byte("ssh-rsa BBBB legacy@host\n")
	assert.Equal(t, content, Header(content))
}

// TestHeaderIgnoresMarkerInsideLine tests that marker text embedded in a
// key comment does not split the file
func TestHeaderIgnoresMarkerInsideLine(t *testing.T) {
	content := []byte("ssh-rsa BBBB x" + Marker + "\nssh-rsa CCCC y\n")
	assert.Equal(t, content, Header(content))
}

// TestWriteAtomicCreatesFile tests mode and content of a fresh write
func TestWriteAtomicCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorized_keys")

	content := Compose(nil, [][]byte{[]byte("ssh-ed25519 AAAA1 a")})
	require.NoError(t, WriteAtomic(path, content, 0600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	// No temp droppings left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestWriteAtomicReplaces tests that an existing file is swapped whole
func TestWriteAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorized_keys")
	require.NoError(t, os.WriteFile(path, []byte("old content\n"), 0644))

	content := []byte("new content\n")
	require.NoError(t, WriteAtomic(path, content, 0600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}
