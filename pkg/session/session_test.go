package session

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	original := &Session{
		ID:           "abc123",
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Hour),
		Status:       StatusActive,
		WorkingDir:   "/mnt/data",
		Files: map[string]FileInfo{
			"f1": {Filename: "a.py", Size: 10, MimeType: "text/x-python", Path: "/mnt/data/a.py", CreatedAt: now},
		},
		Metadata: map[string]string{"k": "v"},
		EntityID: "entity-1",
	}

	fields, err := encodeSession(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := decodeSession(original.ID, fields)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.ID != original.ID || decoded.Status != original.Status || decoded.EntityID != original.EntityID {
		t.Errorf("scalar fields mismatch: %+v vs %+v", decoded, original)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) || !decoded.ExpiresAt.Equal(original.ExpiresAt) {
		t.Errorf("timestamps mismatch: %+v vs %+v", decoded, original)
	}
	if len(decoded.Files) != 1 || decoded.Files["f1"].Filename != "a.py" {
		t.Errorf("files mismatch: %+v", decoded.Files)
	}
	if decoded.Metadata["k"] != "v" {
		t.Errorf("metadata mismatch: %+v", decoded.Metadata)
	}
}

func TestDecodeDefaultsWorkingDir(t *testing.T) {
	now := time.Now()
	fields := map[string]string{
		"created_at":    now.Format(time.RFC3339Nano),
		"last_activity": now.Format(time.RFC3339Nano),
		"expires_at":    now.Add(time.Hour).Format(time.RFC3339Nano),
		"status":        string(StatusActive),
		"working_dir":   "",
	}

	sess, err := decodeSession("id1", fields)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.WorkingDir != defaultWorkingDir {
		t.Errorf("expected default working dir %q, got %q", defaultWorkingDir, sess.WorkingDir)
	}
}

func TestDecodeRejectsMalformedTimestamp(t *testing.T) {
	fields := map[string]string{
		"created_at":    "not-a-time",
		"last_activity": time.Now().Format(time.RFC3339Nano),
		"expires_at":    time.Now().Format(time.RFC3339Nano),
		"status":        string(StatusActive),
	}
	if _, err := decodeSession("id1", fields); err == nil {
		t.Error("expected decode error for malformed created_at")
	}
}

func TestCopyMetadataDoesNotAlias(t *testing.T) {
	src := map[string]string{"a": "1"}
	cp := copyMetadata(src)
	cp["a"] = "2"
	if src["a"] != "1" {
		t.Error("copyMetadata aliased the source map")
	}
}

func TestKeyShapes(t *testing.T) {
	if sessionKey("x") != "session:x" {
		t.Errorf("unexpected session key: %s", sessionKey("x"))
	}
	if indexKey() != "sessions:index" {
		t.Errorf("unexpected index key: %s", indexKey())
	}
	if entityKey("e1") != "sessions:entity:e1" {
		t.Errorf("unexpected entity key: %s", entityKey("e1"))
	}
}
