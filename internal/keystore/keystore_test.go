package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// A well-known throwaway key; never fund this account.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := Encrypt("0x"+testKeyHex, "correct horse")
	require.NoError(t, err)

	got, err := Decrypt(blob, "correct horse")
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := Encrypt(testKeyHex, "right")
	require.NoError(t, err)

	_, err = Decrypt(blob, "wrong")
	require.Error(t, err)
}

func TestEncryptRejectsBadKey(t *testing.T) {
	_, err := Encrypt("not-hex", "pw")
	require.Error(t, err)

	_, err = Encrypt("abcd", "pw") // too short
	require.Error(t, err)

	_, err = Encrypt(testKeyHex, "")
	require.Error(t, err)
}

func TestLoadRawKey(t *testing.T) {
	key, err := Load(Config{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	require.NotNil(t, key.Private)
	require.NotEqual(t, "0x0000000000000000000000000000000000000000", key.Address.Hex())
}

func TestLoadEncryptedFile(t *testing.T) {
	blob, err := Encrypt(testKeyHex, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, err := Load(Config{EncryptedKeyPath: path, Password: "pw"})
	require.NoError(t, err)

	raw, err := Load(Config{RawPrivateKey: testKeyHex})
	require.NoError(t, err)
	require.Equal(t, raw.Address, key.Address)
}

func TestLoadNoSource(t *testing.T) {
	_, err := Load(Config{})
	require.Error(t, err)
}
