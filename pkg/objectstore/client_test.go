package objectstore

import (
	"testing"

	"github.com/scoutflo/code-orchestrator/internal/config"
)

func TestNewRejectsEndpointWithScheme(t *testing.T) {
	_, err := New(config.ObjectStoreConfig{
		Endpoint: "http://minio.internal:9000",
		Bucket:   "code-orchestrator",
	}, nil)
	if err == nil {
		t.Fatal("expected an error for an endpoint that includes a scheme")
	}
}

func TestNewSetsBucketName(t *testing.T) {
	c, err := New(config.ObjectStoreConfig{
		Endpoint: "minio.internal:9000",
		Bucket:   "code-orchestrator",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.bucket != "code-orchestrator" {
		t.Errorf("got bucket %q, want code-orchestrator", c.bucket)
	}
}
