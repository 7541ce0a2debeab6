package observability

import (
	"sync"
	"time"
)

// Health status values.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health collects the signals behind /healthz. Storage failures never stop
// the agent; they are recorded here instead. Safe for concurrent use.
type Health struct {
	mu              sync.RWMutex
	storageErr      string
	storageErrAt    time.Time
	storageFailing  bool
	storageFailures int
	degraded        bool
	degradedReason  string
	lastPollAt      time.Time
	lastPollErr     string
	sendErr         string
	sendErrAt       time.Time
	sendFailures    int
}

// HealthSnapshot is a point-in-time copy of Health.
type HealthSnapshot struct {
	Status             string     `json:"status"`
	StorageFailing     bool       `json:"storage_failing"`
	StorageFailures    int        `json:"storage_failures"`
	LastStorageError   string     `json:"last_storage_error,omitempty"`
	LastStorageErrorAt *time.Time `json:"last_storage_error_at,omitempty"`
	Degraded           bool       `json:"degraded"`
	DegradedReason     string     `json:"degraded_reason,omitempty"`
	LastPollAt         *time.Time `json:"last_poll_at,omitempty"`
	LastPollError      string     `json:"last_poll_error,omitempty"`
	SendFailures       int        `json:"send_failures"`
	LastSendError      string     `json:"last_send_error,omitempty"`
	LastSendErrorAt    *time.Time `json:"last_send_error_at,omitempty"`
}

func NewHealth() *Health {
	return &Health{}
}

// StorageFailed records a failed write.
func (h *Health) StorageFailed(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storageFailing = true
	h.storageFailures++
	h.storageErr = err.Error()
	h.storageErrAt = at
}

// StorageRecovered clears the failing flag after a successful write. The
// last error and the failure count are kept for diagnostics.
func (h *Health) StorageRecovered() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storageFailing = false
}

// Degrade marks the agent as running without its connection manager.
func (h *Health) Degrade(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = true
	h.degradedReason = reason
}

// PollFinished records the outcome of a poll cycle; err may be nil.
func (h *Health) PollFinished(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPollAt = at
	h.lastPollErr = ""
	if err != nil {
		h.lastPollErr = err.Error()
	}
}

// SendFailed records an outbound publish that did not reach its topic.
func (h *Health) SendFailed(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendFailures++
	h.sendErr = err.Error()
	h.sendErrAt = at
}

// SendRecovered clears the last send error after a successful publish.
func (h *Health) SendRecovered() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = ""
	h.sendErrAt = time.Time{}
}

// Snapshot returns the current health.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := HealthSnapshot{
		Status:           StatusOK,
		StorageFailing:   h.storageFailing,
		StorageFailures:  h.storageFailures,
		LastStorageError: h.storageErr,
		Degraded:         h.degraded,
		DegradedReason:   h.degradedReason,
		LastPollError:    h.lastPollErr,
		SendFailures:     h.sendFailures,
		LastSendError:    h.sendErr,
	}
	if !h.sendErrAt.IsZero() {
		at := h.sendErrAt
		s.LastSendErrorAt = &at
	}
	if !h.storageErrAt.IsZero() {
		at := h.storageErrAt
		s.LastStorageErrorAt = &at
	}
	if !h.lastPollAt.IsZero() {
		at := h.lastPollAt
		s.LastPollAt = &at
	}
	switch {
	case h.storageFailing:
		s.Status = StatusUnhealthy
	case h.degraded || h.lastPollErr != "" || h.sendErr != "":
		s.Status = StatusDegraded
	}
	return s
}
