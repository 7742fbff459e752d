package disputes

import (
	"jurywatch/ledger"
)

// Stage is one step of the dispute-opening flow. Stages are ordered; a session
// never moves to a lower stage.
type Stage uint8

const (
	StageAwaitingApproval Stage = iota
	StageApprovalConfirmed
	StageDisputeSubmitted
	StageRandomnessRequested
	StageJurorsSelecting
	StageJurorsSelected
)

// FinalStage is the terminal stage.
const FinalStage = StageJurorsSelected

func (s Stage) String() string {
	switch s {
	case StageAwaitingApproval:
		return "awaiting_approval"
	case StageApprovalConfirmed:
		return "approval_confirmed"
	case StageDisputeSubmitted:
		return "dispute_submitted"
	case StageRandomnessRequested:
		return "randomness_requested"
	case StageJurorsSelecting:
		return "jurors_selecting"
	case StageJurorsSelected:
		return "jurors_selected"
	default:
		return "unknown"
	}
}

// MarshalText renders the stage name in JSON payloads.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is the last stage.
func (s Stage) Terminal() bool { return s >= FinalStage }

// AdvanceStage is the stage reducer: the result is the later of current and
// observed, so duplicate or late events can never move a session backwards.
func AdvanceStage(current, observed Stage) Stage {
	if observed > current {
		return observed
	}
	return current
}

// StageForEvent maps a ledger event to the stage it confirms.
func StageForEvent(kind ledger.EventKind) (Stage, bool) {
	switch kind {
	case ledger.EventApproval:
		return StageApprovalConfirmed, true
	case ledger.EventDisputeOpened:
		return StageDisputeSubmitted, true
	case ledger.EventRequestSent:
		return StageRandomnessRequested, true
	case ledger.EventRequestFulfilled:
		return StageJurorsSelecting, true
	case ledger.EventJurorsSelected:
		return StageJurorsSelected, true
	default:
		return StageAwaitingApproval, false
	}
}
