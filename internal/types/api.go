package types

// AcquireRequest is the body of POST /api/session/acquire.
type AcquireRequest struct {
	Owner string `json:"owner"`
}

// SendRequest is the body of POST /api/session/{id}/send.
type SendRequest struct {
	Message    string   `json:"message"`
	MergePaths []string `json:"merge_paths,omitempty"`
	FilePaths  []string `json:"file_paths,omitempty"`
}

// MaxFilesPerTurn bounds FilePaths on a single SendRequest. It is the only
// limit the send handler applies: browser.max_files_per_turn is clamped to
// at most 9 when the config loads but is not read on the request path, so
// a lower configured value does not lower this limit.
const MaxFilesPerTurn = 9

// AcquireResult is a tagged union of the three possible outcomes of an
// acquire call: the slot pool either hands back a lease immediately, queues
// the request, or rejects it outright.
type AcquireResult struct {
	Status string `json:"status"` // "acquired" | "queued" | "rejected"

	// status == "acquired"
	SlotID                string `json:"slot_id,omitempty"`
	LeaseToken            string `json:"lease_token,omitempty"`
	Reattached            bool   `json:"reattached,omitempty"`
	ExpiresAfterInactiveS int    `json:"expires_after_inactive_s,omitempty"`

	// status == "queued"
	QueuePosition   int `json:"queue_position,omitempty"`
	EstimatedWaitS  int `json:"estimated_wait_s,omitempty"`

	// status == "rejected"
	Error       string `json:"error,omitempty"`
	TotalSlots  int    `json:"total_slots,omitempty"`
	QueueDepth  int    `json:"queue_depth,omitempty"`
	QueueMax    int    `json:"queue_max,omitempty"`
}

// SendResult is the body returned by a successful send call.
type SendResult struct {
	Text       string `json:"text"`
	Format     string `json:"format"` // "markdown" | "plaintext"
	DurationMS int64  `json:"duration_ms"`
}

// SlotStatus is one slot's entry inside the pool status response.
type SlotStatus struct {
	ID              string `json:"id"`
	State           string `json:"state"` // "free" | "busy" | "error"
	Owner           string `json:"owner,omitempty"`
	IdleSeconds     int    `json:"idle_s,omitempty"`
	MessageCount    int    `json:"message_count,omitempty"`
	MessagePreview  string `json:"message_preview,omitempty"`
}

// QueueEntryStatus is one waiting client's entry inside the pool status response.
type QueueEntryStatus struct {
	Owner         string `json:"owner"`
	WaitingSinceS int    `json:"waiting_since_s"`
	Position      int    `json:"position"`
}

// PoolStatus is the full body of GET /api/pool/status.
type PoolStatus struct {
	Slots []SlotStatus       `json:"slots"`
	Queue []QueueEntryStatus `json:"queue"`

	FreeCount  int `json:"free_count"`
	BusyCount  int `json:"busy_count"`
	ErrorCount int `json:"error_count"`

	System SystemStatus `json:"system"`
}

// SystemStatus is the pool-wide diagnostic block inside PoolStatus.
type SystemStatus struct {
	ChromeAlive        bool    `json:"chrome_alive"`
	LoggedIn           bool    `json:"logged_in"`
	Enterprise         bool    `json:"enterprise"`
	LastHealthCheckS   float64 `json:"last_health_check_s"`
	UptimeS            float64 `json:"uptime_s"`
}

// ErrorEnvelope is the JSON body written for mapped errors (see
// internal/handlers for the kind-to-status-code mapping).
type ErrorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
