package types

import "time"

type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionGrant  ActionKind = "grant"
	ActionRevoke ActionKind = "revoke"
)

// Outcome is the terminal result of a submitted action.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "submission_rejected"
	OutcomeReverted  Outcome = "reverted"
	// OutcomeAmbiguous marks a confirmation timeout: the transaction may
	// still land, and only a later replay can tell.
	OutcomeAmbiguous Outcome = "timed_out"
)

// PendingAction tracks one operator request from submit to its terminal
// outcome.
type PendingAction struct {
	ID          string     `json:"id"`
	Kind        ActionKind `json:"kind"`
	VehicleID   string     `json:"vehicle_id"`
	TxHash      string     `json:"tx_hash,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	Terminal    bool       `json:"terminal"`
	Outcome     Outcome    `json:"outcome"`
	Error       string     `json:"error,omitempty"`
}

// Loading mirrors the per-action busy indicators of the operator page.
type Loading struct {
	Create bool `json:"create"`
	Grant  bool `json:"grant"`
	Revoke bool `json:"revoke"`
}

// View is everything the presentation layer renders.
type View struct {
	Account        string          `json:"account,omitempty"`
	Ready          bool            `json:"ready"`
	VehicleID      string          `json:"vehicle_id"`
	Loading        Loading         `json:"loading"`
	AccessGranted  bool            `json:"access_granted"`
	AccessState    map[string]bool `json:"access_state"`
	Logs           LogView         `json:"logs"`
	Head           uint64          `json:"head"`
	Actions        []PendingAction `json:"actions"`
	InitError      string          `json:"init_error,omitempty"`
	ReconcileError string          `json:"reconcile_error,omitempty"`
}
