package domain

import (
	"context"
	"errors"
	"time"
)

// Status is the outcome of processing a notification
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// StatusOf maps an error to the status reported for it.
// Transient failures become warnings so the dispatcher retries them.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return StatusWarning
	default:
		return StatusError
	}
}

// Worse returns the more severe of two statuses.
func (s Status) Worse(other Status) Status {
	if s.rank() >= other.rank() {
		return s
	}
	return other
}

func (s Status) rank() int {
	switch s {
	case StatusError:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// EndStatus reports the health of one subscription end
type EndStatus struct {
	ConnectorID       string        `json:"connector_id"`
	Kind              ConnectorKind `json:"kind,omitempty"`
	ReadOnly          bool          `json:"read_only"`
	URI               string        `json:"uri"`
	LastRefreshStatus Status        `json:"last_refresh_status,omitempty"`
	Counts            EndCounts     `json:"counts"`
	Status            Status        `json:"status"`
	Message           string        `json:"message,omitempty"`
}

// SubscriptionStatus is the response to a status query
type SubscriptionStatus struct {
	SubscriptionID string     `json:"subscription_id"`
	Direction      Direction  `json:"direction"`
	Master         EndID      `json:"master,omitempty"`
	ErrorCount     int        `json:"error_count"`
	MissingTarget  bool       `json:"missing_target"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
	Pending        bool       `json:"pending_unsubscribe"`
	EndA           EndStatus  `json:"end_a"`
	EndB           EndStatus  `json:"end_b"`
	Status         Status     `json:"status"`
}

// Stat is a single named engine counter
type Stat struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// EngineState is the lifecycle state of the synch engine
type EngineState string

const (
	EngineStopped  EngineState = "stopped"
	EngineStarting EngineState = "starting"
	EngineRunning  EngineState = "running"
	EngineStopping EngineState = "stopping"
)

// Accepting reports whether the engine takes new work in this state.
func (s EngineState) Accepting() bool {
	return s == EngineStarting || s == EngineRunning
}
