package models

import (
	"encoding/json"
	"time"
)

// ActionType names a mutation the technician app can queue while offline.
type ActionType string

const (
	ActionUpdateOrderStatus ActionType = "UPDATE_ORDER_STATUS"
	ActionUpdateChecklist   ActionType = "UPDATE_CHECKLIST"
	ActionAddPhoto          ActionType = "ADD_PHOTO"
	ActionAddSignature      ActionType = "ADD_SIGNATURE"
	ActionAddMaterials      ActionType = "ADD_MATERIALS"
	ActionUpdateLocation    ActionType = "UPDATE_LOCATION"
)

// ActionTypes lists every supported action type in declaration order.
var ActionTypes = []ActionType{
	ActionUpdateOrderStatus,
	ActionUpdateChecklist,
	ActionAddPhoto,
	ActionAddSignature,
	ActionAddMaterials,
	ActionUpdateLocation,
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SyncAction is a single queued mutation waiting for the batch endpoint.
type SyncAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// OrderID returns the top-level "orderId" of the payload, if any.
func (a SyncAction) OrderID() string {
	if len(a.Payload) == 0 {
		return ""
	}
	var probe struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(a.Payload, &probe); err != nil {
		return ""
	}
	return probe.OrderID
}

// SyncResult is the outcome of one action within a drain.
type SyncResult struct {
	ID           string `json:"id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Permanent    bool   `json:"permanent,omitempty"`
	ServerStatus string `json:"serverStatus,omitempty"`
	ServerID     string `json:"serverId,omitempty"`
}
