// Package state implements the two-tier interpreter-state store: a hot
// tier in the KV facade with a TTL mirroring the owning session's
// expiry, and a cold tier in the object store with no TTL. The
// orchestrator never inspects the blob's contents.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
	"github.com/scoutflo/code-orchestrator/pkg/kv"
	"github.com/scoutflo/code-orchestrator/pkg/objectstore"
)

// Tier identifies which backing store currently holds a state record.
type Tier string

const (
	TierHot     Tier = "hot"
	TierArchive Tier = "archive"
)

// Info is the metadata-only view of a state record, returned without
// transferring the blob.
type Info struct {
	Exists    bool
	SessionID string
	Size      int64
	Hash      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Source    Tier
}

type infoRecord struct {
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is the state persistence layer.
type Service struct {
	kv           *kv.Client
	objects      *objectstore.Client
	sizeCapBytes int64
}

func New(kvClient *kv.Client, objectClient *objectstore.Client, sizeCapBytes int64) *Service {
	return &Service{kv: kvClient, objects: objectClient, sizeCapBytes: sizeCapBytes}
}

func hotKey(sessionID string) string     { return "state:" + sessionID }
func infoKey(sessionID string) string    { return "state:info:" + sessionID }
func archiveKey(sessionID string) string { return "archive/state/" + sessionID }

// SaveResult is returned by Save.
type SaveResult struct {
	Size int64
	Hash string
}

// Save decodes a base64 state blob, computes its size and SHA-256
// hash, writes it to the hot tier with ttl, and records a secondary
// info hash carrying {size, hash, created-at}. Blobs over the
// configured size cap are rejected with ResourceExhausted before any
// write is attempted.
func (s *Service) Save(ctx context.Context, sessionID, base64Blob string, ttl time.Duration) (*SaveResult, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Blob)
	if err != nil {
		return nil, apierrors.ParseError("state", "decode base64", err)
	}

	if s.sizeCapBytes > 0 && int64(len(raw)) > s.sizeCapBytes {
		return nil, apierrors.FailedToWithDetails(apierrors.ResourceExhausted, "state", "save", sessionID,
			fmt.Errorf("state blob of %d bytes exceeds the %d byte cap", len(raw), s.sizeCapBytes))
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	now := time.Now()

	rec := infoRecord{Size: int64(len(raw)), Hash: hash, CreatedAt: now}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, apierrors.ParseError("state", "encode info record", err)
	}

	pipe := s.kv.Pipeline()
	pipe.Set(hotKey(sessionID), string(raw), ttl)
	pipe.HSet(infoKey(sessionID), map[string]string{"record": string(recJSON)})
	pipe.Expire(infoKey(sessionID), ttl)
	if err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	klog.V(1).Infof("state: saved %d bytes for session %s (hash=%s)", len(raw), sessionID, hash[:8])
	return &SaveResult{Size: int64(len(raw)), Hash: hash}, nil
}

// Load returns the raw, still-opaque bytes for a session. It checks
// the hot tier first; on miss it falls back to the cold tier and
// best-effort promotes the object back into the hot tier before
// returning.
func (s *Service) Load(ctx context.Context, sessionID string, ttl time.Duration) ([]byte, error) {
	raw, err := s.kv.Get(ctx, hotKey(sessionID))
	if err == nil {
		return []byte(raw), nil
	}
	if apierrors.CodeOf(err) != apierrors.NotFound {
		return nil, err
	}

	data, archiveErr := s.objects.Get(ctx, archiveKey(sessionID))
	if archiveErr != nil {
		if apierrors.CodeOf(archiveErr) == apierrors.NotFound {
			return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "state", "load", sessionID, fmt.Errorf("no state for session"))
		}
		return nil, archiveErr
	}

	if promoteErr := s.kv.Set(ctx, hotKey(sessionID), string(data), ttl); promoteErr != nil {
		klog.Errorf("state: best-effort promotion of %s to hot tier failed: %v", sessionID, promoteErr)
	}
	return data, nil
}

// GetInfo returns state metadata without transferring the blob.
func (s *Service) GetInfo(ctx context.Context, sessionID string) (*Info, error) {
	fields, err := s.kv.HGetAll(ctx, infoKey(sessionID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return s.archiveInfo(ctx, sessionID)
	}

	var rec infoRecord
	if err := json.Unmarshal([]byte(fields["record"]), &rec); err != nil {
		return nil, apierrors.ParseError("state", "decode info record", err)
	}

	ttl, err := s.kv.TTL(ctx, hotKey(sessionID))
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return s.archiveInfo(ctx, sessionID)
	}

	return &Info{
		Exists:    true,
		SessionID: sessionID,
		Size:      rec.Size,
		Hash:      rec.Hash,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: time.Now().Add(ttl),
		Source:    TierHot,
	}, nil
}

func (s *Service) archiveInfo(ctx context.Context, sessionID string) (*Info, error) {
	meta, err := s.objects.Stat(ctx, archiveKey(sessionID))
	if err != nil {
		if apierrors.CodeOf(err) == apierrors.NotFound {
			return &Info{Exists: false, SessionID: sessionID}, nil
		}
		return nil, err
	}
	return &Info{
		Exists:    true,
		SessionID: sessionID,
		Size:      meta.Size,
		Hash:      meta.ETag,
		CreatedAt: meta.LastModified,
		Source:    TierArchive,
	}, nil
}

// Archive copies a hot-tier state blob to the cold tier and lets the
// hot TTL lapse naturally; a subsequent Load re-promotes it.
func (s *Service) Archive(ctx context.Context, sessionID string) error {
	raw, err := s.kv.Get(ctx, hotKey(sessionID))
	if err != nil {
		if apierrors.CodeOf(err) == apierrors.NotFound {
			return nil
		}
		return err
	}
	if err := s.objects.Put(ctx, archiveKey(sessionID), []byte(raw), "application/octet-stream"); err != nil {
		return err
	}
	klog.V(1).Infof("state: archived session %s to cold tier", sessionID)
	return nil
}

// SweepNearExpiry scans sessionIDs for hot-tier entries whose
// remaining TTL is below nearExpiry and archives them, intended to run
// from a periodic ticker with the session service's full index.
func (s *Service) SweepNearExpiry(ctx context.Context, sessionIDs []string, nearExpiry time.Duration) (int, error) {
	archived := 0
	for _, id := range sessionIDs {
		ttl, err := s.kv.TTL(ctx, hotKey(id))
		if err != nil {
			klog.Errorf("state: sweep failed to read ttl for %s: %v", id, err)
			continue
		}
		if ttl <= 0 || ttl > nearExpiry {
			continue
		}
		if err := s.Archive(ctx, id); err != nil {
			klog.Errorf("state: sweep failed to archive %s: %v", id, err)
			continue
		}
		archived++
	}
	if archived > 0 {
		klog.V(0).Infof("state: archival sweep archived %d sessions to the cold tier", archived)
	}
	return archived, nil
}
