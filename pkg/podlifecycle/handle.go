// Package podlifecycle builds pod specs, waits for a newly created pod
// to become reachable, and tears pods down. It does not decide *when*
// to create or recycle a pod — that's pkg/pool — only *how*.
package podlifecycle

import (
	"time"
)

// Status is the lifecycle state of a pod handle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusWarm         Status = "warm"
	StatusSpecializing Status = "specializing"
	StatusExecuting    Status = "executing"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusUnknown      Status = "unknown"
)

// Handle is the orchestrator's view of a pod: everything the pool and
// runner need without talking to the cluster API again.
type Handle struct {
	Name        string
	Namespace   string
	UID         string
	Language    string
	SessionID   *string
	Status      Status
	PodIP       string
	SidecarPort int
	CreatedAt   time.Time
	Labels      map[string]string
}

const defaultSidecarPort = 8090
