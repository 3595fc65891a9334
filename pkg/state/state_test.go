package state

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestHashComputedOverDecodedBytes(t *testing.T) {
	raw := []byte("interpreter state blob")
	encoded := base64.StdEncoding.EncodeToString(raw)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	sum := sha256.Sum256(decoded)
	want := hex.EncodeToString(sum[:])

	sum2 := sha256.Sum256(raw)
	got := hex.EncodeToString(sum2[:])

	if want != got {
		t.Errorf("hash mismatch: %s vs %s", want, got)
	}
}

func TestKeyShapes(t *testing.T) {
	if hotKey("s1") != "state:s1" {
		t.Errorf("unexpected hot key: %s", hotKey("s1"))
	}
	if infoKey("s1") != "state:info:s1" {
		t.Errorf("unexpected info key: %s", infoKey("s1"))
	}
	if archiveKey("s1") != "archive/state/s1" {
		t.Errorf("unexpected archive key: %s", archiveKey("s1"))
	}
}
