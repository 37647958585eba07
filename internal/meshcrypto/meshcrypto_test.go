package meshcrypto_test

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/reliefgrid/beacon/internal/meshcrypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := meshcrypto.NewCodec("shared-deployment-passphrase")

	plaintexts := [][]byte{
		[]byte("{}"),
		[]byte(`{"type":"sos","severity":5}`),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, pt := range plaintexts {
		wrapped, err := c.Encrypt(pt)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if !meshcrypto.IsEncrypted(wrapped) {
			t.Fatalf("Encrypt output missing wrapper prefix: %q", wrapped[:16])
		}
		got, err := c.Decrypt(wrapped)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(pt))
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := meshcrypto.NewCodec("pw")
	a, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical output")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c := meshcrypto.NewCodec("pw")
	wrapped, err := c.Encrypt([]byte("do not corrupt me"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(wrapped, "BEACON1:"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	tampered := "BEACON1:" + base64.StdEncoding.EncodeToString(raw)

	if _, err := c.Decrypt(tampered); err == nil {
		t.Fatal("Decrypt accepted a tampered ciphertext")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := meshcrypto.NewCodec("pw")
	for _, in := range []string{
		"plain json payload",
		"BEACON1:",
		"BEACON1:!!!not-base64!!!",
		"BEACON1:" + base64.StdEncoding.EncodeToString([]byte("short")),
	} {
		if _, err := c.Decrypt(in); err == nil {
			t.Fatalf("Decrypt accepted malformed input %q", in)
		}
	}
}

func TestDecryptFailsUnderWrongKey(t *testing.T) {
	wrapped, err := meshcrypto.NewCodec("key-one").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := meshcrypto.NewCodec("key-two").Decrypt(wrapped); err == nil {
		t.Fatal("Decrypt succeeded under the wrong group key")
	}
}

func TestInvalidateForcesRederivation(t *testing.T) {
	c := meshcrypto.NewCodec("pw")
	wrapped, err := c.Encrypt([]byte("before invalidate"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	c.Invalidate()
	got, err := c.Decrypt(wrapped)
	if err != nil {
		t.Fatalf("Decrypt after Invalidate: %v", err)
	}
	if string(got) != "before invalidate" {
		t.Fatalf("unexpected plaintext %q", got)
	}
}

func TestVaultKeyDiffersFromGroupKey(t *testing.T) {
	vault := meshcrypto.DeriveVaultKey("same-passphrase")
	group := meshcrypto.DeriveKey("same-passphrase", []byte("beacon:mesh:group:v1"), 10_000)
	if bytes.Equal(vault, group) {
		t.Fatal("vault key and group key collide for identical passphrases")
	}
	if len(vault) != meshcrypto.KeySize {
		t.Fatalf("vault key size = %d, want %d", len(vault), meshcrypto.KeySize)
	}
}
