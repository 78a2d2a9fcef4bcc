package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestAesGcm(t *testing.T) {
	key := ParseAesKey("we are banana!")
	if len(key) != 32 {
		t.Fatalf("unexpected key len %v", len(key))
	}

	plain := []byte(strings.Repeat("we are banana!", 10))
	sealed, err := AesGcmEncrypt(key, plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("plain text leaked")
	}

	opened, err := AesGcmDecrypt(key, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, opened) {
		t.Fatalf("plain != opened, %s", opened)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := AesGcmDecrypt(key, sealed); err == nil {
		t.Fatal("tampered bytes should not decrypt")
	}

	if _, err := AesGcmDecrypt(key, []byte{1, 2}); err != ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestParseAesKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 16)
	k := ParseAesKey(base64.StdEncoding.EncodeToString(raw))
	if !bytes.Equal(k, raw) {
		t.Fatalf("base64 key should be used as is, %v", k)
	}
	if !bytes.Equal(ParseAesKey("abc"), ParseAesKey("abc")) {
		t.Fatal("passphrase key should be stable")
	}
}
