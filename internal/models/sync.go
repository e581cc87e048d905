package models

import (
	"encoding/json"
	"time"
)

const (
	ServerStatusSuccess  = "SUCCESS"
	ServerStatusFailed   = "FAILED"
	ServerStatusConflict = "CONFLICT"
	ServerStatusSkipped  = "SKIPPED"
)

// BatchActionResult is the backend's verdict for one action of a batch.
type BatchActionResult struct {
	ClientID     string `json:"clientId"`
	ServerID     string `json:"serverId,omitempty"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// BatchResponse is returned by POST /sync/batch.
type BatchResponse struct {
	TotalActions int                 `json:"totalActions"`
	SuccessCount int                 `json:"successCount"`
	FailedCount  int                 `json:"failedCount"`
	Results      []BatchActionResult `json:"results"`
	ServerTime   *time.Time          `json:"serverTime,omitempty"`
}

// ResultFor returns the per-action result matching clientID.
func (r *BatchResponse) ResultFor(clientID string) (BatchActionResult, bool) {
	if r == nil {
		return BatchActionResult{}, false
	}
	for _, res := range r.Results {
		if res.ClientID == clientID {
			return res, true
		}
	}
	return BatchActionResult{}, false
}

// PullResult is returned by GET /sync/pull. Entries are kept as raw JSON
// snapshots; the agent never interprets them beyond their "id".
type PullResult struct {
	Agenda        []json.RawMessage `json:"agenda"`
	Notifications []json.RawMessage `json:"notifications"`
}
