package disputes

import (
	"jurywatch/ledger"
)

// The classification helpers are pure and total. Callers evaluate them against
// the latest cached records on every read instead of storing their results.

// IsActive reports whether the dispute is unresolved.
func IsActive(d ledger.Dispute) bool {
	return d.Winner == ledger.ZeroAddress
}

// HasVotedAlready reports whether the vote has been cast. A vote for the zero
// address is indistinguishable from no vote.
func HasVotedAlready(v ledger.Vote) bool {
	return v.Support != ledger.ZeroAddress
}

// HasWon reports whether the vote backed the winner of a resolved dispute.
func HasWon(v ledger.Vote, d ledger.Dispute) bool {
	return !IsActive(d) && v.Support == d.Winner
}

// Partition splits disputes into active and resolved sets, preserving order.
func Partition(disputes []ledger.Dispute) (active, resolved []ledger.Dispute) {
	return PartitionFunc(disputes, func(d ledger.Dispute) ledger.Dispute { return d })
}

// PartitionFunc splits items by the activity of the dispute each one carries.
func PartitionFunc[T any](items []T, dispute func(T) ledger.Dispute) (active, resolved []T) {
	for _, item := range items {
		if IsActive(dispute(item)) {
			active = append(active, item)
		} else {
			resolved = append(resolved, item)
		}
	}
	return active, resolved
}
