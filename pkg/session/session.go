// Package session implements CRUD over the KV facade for session
// records: creation-time, last-activity, expiry, status, working
// directory, file index, metadata, and an optional entity-id used for
// cross-session grouping.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
	"github.com/scoutflo/code-orchestrator/pkg/kv"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

const defaultWorkingDir = "/mnt/data"

// FileInfo describes one file tracked against a session's working
// directory.
type FileInfo struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one durable identity binding requests across invocations.
type Session struct {
	ID            string              `json:"id"`
	CreatedAt     time.Time           `json:"created_at"`
	LastActivity  time.Time           `json:"last_activity"`
	ExpiresAt     time.Time           `json:"expires_at"`
	Status        Status              `json:"status"`
	WorkingDir    string              `json:"working_dir"`
	Files         map[string]FileInfo `json:"files"`
	Metadata      map[string]string   `json:"metadata"`
	EntityID      string              `json:"entity_id,omitempty"`
	Executions    []json.RawMessage   `json:"executions,omitempty"`
}

// Service is the session CRUD surface, keyed exactly as spec'd:
// session:{id} (hash), sessions:index (set), sessions:entity:{id} (set).
type Service struct {
	kv  *kv.Client
	ttl time.Duration
}

func New(client *kv.Client, ttl time.Duration) *Service {
	return &Service{kv: client, ttl: ttl}
}

func sessionKey(id string) string       { return "session:" + id }
func indexKey() string                 { return "sessions:index" }
func entityKey(entityID string) string { return "sessions:entity:" + entityID }

// Create starts a new session, optionally associated with an entity
// for cross-session grouping. metadata is copied, never aliased.
func (s *Service) Create(ctx context.Context, metadata map[string]string, entityID string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		Status:       StatusActive,
		WorkingDir:   defaultWorkingDir,
		Files:        make(map[string]FileInfo),
		Metadata:     copyMetadata(metadata),
		EntityID:     entityID,
	}

	if _, err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	klog.V(1).Infof("session: created %s (entity=%q)", sess.ID, entityID)
	return sess, nil
}

// Get looks up a session by id. A nil Session with no error means the
// session does not exist.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.kv.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeSession(id, fields)
}

// maxUpdateAttempts bounds how many times Update retries after losing a
// race against a concurrent writer of the same session hash.
const maxUpdateAttempts = 5

// Update merges the given mutator's changes into the stored session
// and bumps last-activity. The stored expiry is extended to now+ttl
// unless the mutator sets it explicitly.
//
// The session hash is written under a WATCH on that single key, so a
// concurrent Update racing against this one aborts the loser's write
// instead of letting it silently clobber the winner's fields; the
// monotonic last-activity compare below only protects against the
// loser applying a stale read, not against two writers both reading
// the same version, so the two mechanisms are complementary.
func (s *Service) Update(ctx context.Context, id string, mutate func(*Session)) (*Session, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "session", "update", id, fmt.Errorf("session not found"))
		}

		prevActivity := sess.LastActivity
		prevExpiry := sess.ExpiresAt
		mutate(sess)
		// Monotonic compare: a concurrent update with an earlier wall-clock
		// stamp must not regress last-activity.
		if sess.LastActivity.Before(prevActivity) {
			sess.LastActivity = prevActivity
		}
		if sess.ExpiresAt.Equal(prevExpiry) {
			sess.ExpiresAt = time.Now().Add(s.ttl)
		}
		if sess.ExpiresAt.Equal(time.Time{}) || sess.ExpiresAt.Before(sess.LastActivity) {
			sess.ExpiresAt = sess.LastActivity.Add(s.ttl)
		}

		conflict, err := s.write(ctx, sess)
		if err != nil {
			return nil, err
		}
		if conflict {
			klog.V(2).Infof("session: update for %s lost a race on attempt %d, retrying", id, attempt+1)
			continue
		}
		return sess, nil
	}
	return nil, apierrors.FailedTo(apierrors.Internal, "session", "update", fmt.Errorf("exceeded %d attempts racing a concurrent update for session %s", maxUpdateAttempts, id))
}

// Touch refreshes last-activity and expiry without any other change,
// used on every execution per spec.
func (s *Service) Touch(ctx context.Context, id string) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) {
		sess.LastActivity = time.Now()
	})
}

// Delete removes a session and both index entries. Returns false if
// the session did not exist.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	pipe := s.kv.Pipeline()
	pipe.Del(sessionKey(id))
	pipe.SRem(indexKey(), id)
	if sess.EntityID != "" {
		pipe.SRem(entityKey(sess.EntityID), id)
	}
	if err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	klog.V(1).Infof("session: deleted %s", id)
	return true, nil
}

// List returns up to limit sessions from the full index, starting at
// offset, ordered by id for stable pagination.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	ids, err := s.kv.SMembers(ctx, indexKey())
	if err != nil {
		return nil, err
	}
	return s.fetchPage(ctx, ids, limit, offset)
}

// ListByEntity returns up to limit sessions belonging to entityID.
func (s *Service) ListByEntity(ctx context.Context, entityID string, limit int) ([]*Session, error) {
	ids, err := s.kv.SMembers(ctx, entityKey(entityID))
	if err != nil {
		return nil, err
	}
	return s.fetchPage(ctx, ids, limit, 0)
}

func (s *Service) fetchPage(ctx context.Context, ids []string, limit, offset int) ([]*Session, error) {
	sort.Strings(ids)
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// SweepExpired removes every indexed session whose expiry has elapsed
// and returns the count removed. Intended to run on a periodic ticker
// from the application's background sweeps.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.kv.SMembers(ctx, indexKey())
	if err != nil {
		return 0, err
	}

	count := 0
	now := time.Now()
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			klog.Errorf("session: sweep failed to load %s: %v", id, err)
			continue
		}
		if sess == nil {
			// Index drifted from the hash (e.g. hot-tier TTL lapsed).
			if err := s.kv.SRem(ctx, indexKey(), id); err != nil {
				klog.Errorf("session: sweep failed to prune stale index entry %s: %v", id, err)
			}
			continue
		}
		if sess.ExpiresAt.After(now) {
			continue
		}
		if _, err := s.Delete(ctx, id); err != nil {
			klog.Errorf("session: sweep failed to delete expired session %s: %v", id, err)
			continue
		}
		count++
	}
	if count > 0 {
		klog.V(0).Infof("session: sweep removed %d expired sessions", count)
	}
	return count, nil
}

// AddFile records a newly staged or produced file against the session
// and bumps last-activity.
func (s *Service) AddFile(ctx context.Context, id, fileID string, info FileInfo) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) {
		sess.Files[fileID] = info
		sess.LastActivity = time.Now()
	})
}

// defaultExecutionHistory bounds how many execution records a session
// retains; older entries are dropped oldest-first.
const defaultExecutionHistory = 50

// AppendExecution records one execution's outcome against the session,
// retaining at most maxHistory entries (defaultExecutionHistory if
// maxHistory <= 0). record is marshalled opaquely; the session package
// never inspects execution-record shape.
func (s *Service) AppendExecution(ctx context.Context, id string, record interface{}, maxHistory int) (*Session, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, apierrors.ParseError("session", "encode execution record", err)
	}
	if maxHistory <= 0 {
		maxHistory = defaultExecutionHistory
	}
	return s.Update(ctx, id, func(sess *Session) {
		sess.Executions = append(sess.Executions, json.RawMessage(raw))
		if len(sess.Executions) > maxHistory {
			sess.Executions = sess.Executions[len(sess.Executions)-maxHistory:]
		}
		sess.LastActivity = time.Now()
	})
}

// write stores sess's hash fields under a WATCH on its single key,
// reporting conflict=true rather than an error when a concurrent
// writer touched the hash first, and then refreshes the index sets.
// The index sets are best-effort set membership, not compare-on-write
// state, so they are never part of the watched transaction.
func (s *Service) write(ctx context.Context, sess *Session) (conflict bool, err error) {
	fields, err := encodeSession(sess)
	if err != nil {
		return false, apierrors.ParseError("session", "encode", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	conflict, err = s.kv.WatchHashSet(ctx, sessionKey(sess.ID), fields, ttl)
	if err != nil || conflict {
		return conflict, err
	}

	if err := s.writeIndexes(ctx, sess, ttl); err != nil {
		return false, err
	}
	return false, nil
}

// writeIndexes refreshes the index sets and their TTLs for sess. It
// never touches the session hash itself.
func (s *Service) writeIndexes(ctx context.Context, sess *Session, ttl time.Duration) error {
	pipe := s.kv.Pipeline()
	pipe.SAdd(indexKey(), sess.ID)
	pipe.Expire(indexKey(), ttl)
	if sess.EntityID != "" {
		pipe.SAdd(entityKey(sess.EntityID), sess.ID)
		pipe.Expire(entityKey(sess.EntityID), ttl)
	}
	return pipe.Exec(ctx)
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func encodeSession(sess *Session) (map[string]string, error) {
	filesJSON, err := json.Marshal(sess.Files)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, err
	}
	execJSON, err := json.Marshal(sess.Executions)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"created_at":    sess.CreatedAt.Format(time.RFC3339Nano),
		"last_activity": sess.LastActivity.Format(time.RFC3339Nano),
		"expires_at":    sess.ExpiresAt.Format(time.RFC3339Nano),
		"status":        string(sess.Status),
		"working_dir":   sess.WorkingDir,
		"files":         string(filesJSON),
		"metadata":      string(metaJSON),
		"entity_id":     sess.EntityID,
		"executions":    string(execJSON),
	}, nil
}

func decodeSession(id string, fields map[string]string) (*Session, error) {
	sess := &Session{
		ID:         id,
		Status:     Status(fields["status"]),
		WorkingDir: fields["working_dir"],
		EntityID:   fields["entity_id"],
		Files:      make(map[string]FileInfo),
		Metadata:   make(map[string]string),
	}

	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, apierrors.ParseError("session", "decode created_at", err)
	}
	if sess.LastActivity, err = time.Parse(time.RFC3339Nano, fields["last_activity"]); err != nil {
		return nil, apierrors.ParseError("session", "decode last_activity", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, fields["expires_at"]); err != nil {
		return nil, apierrors.ParseError("session", "decode expires_at", err)
	}
	if raw := fields["files"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Files); err != nil {
			return nil, apierrors.ParseError("session", "decode files", err)
		}
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Metadata); err != nil {
			return nil, apierrors.ParseError("session", "decode metadata", err)
		}
	}
	if raw := fields["executions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Executions); err != nil {
			return nil, apierrors.ParseError("session", "decode executions", err)
		}
	}
	if sess.WorkingDir == "" {
		sess.WorkingDir = defaultWorkingDir
	}
	return sess, nil
}
