package escrow

import (
	"github.com/ethereum/go-ethereum/common"

	"escrowdash/internal/contracts"
)

// EventKind identifies one of the contract's per-deal events.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventActivated
	EventFinalizedToStable
	EventFinalizedToNFT
	EventCancelled
	EventDisputeOpened
	EventDisputeChallenged
	EventDisputeResolved
)

// EventKinds is the order per-kind queries are issued and concatenated in.
var EventKinds = []EventKind{
	EventCreated,
	EventActivated,
	EventFinalizedToStable,
	EventFinalizedToNFT,
	EventCancelled,
	EventDisputeOpened,
	EventDisputeChallenged,
	EventDisputeResolved,
}

var eventNames = map[EventKind]string{
	EventCreated:           contracts.EventDealCreated,
	EventActivated:         contracts.EventDealActivated,
	EventFinalizedToStable: contracts.EventDealFinalizedToStable,
	EventFinalizedToNFT:    contracts.EventDealFinalizedToNFT,
	EventCancelled:         contracts.EventDealCancelled,
	EventDisputeOpened:     contracts.EventDisputeOpened,
	EventDisputeChallenged: contracts.EventDisputeChallenged,
	EventDisputeResolved:   contracts.EventDisputeResolved,
}

// EventName is the ABI event name.
func (k EventKind) EventName() string {
	return eventNames[k]
}

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "Created"
	case EventActivated:
		return "Activated"
	case EventFinalizedToStable:
		return "FinalizedToStable"
	case EventFinalizedToNFT:
		return "FinalizedToNFT"
	case EventCancelled:
		return "Cancelled"
	case EventDisputeOpened:
		return "DisputeOpened"
	case EventDisputeChallenged:
		return "DisputeChallenged"
	case EventDisputeResolved:
		return "DisputeResolved"
	}
	return "Unknown"
}

// EventRecord is one history entry for a deal.
type EventRecord struct {
	DealID   uint64
	Kind     EventKind
	Block    uint64
	TxHash   common.Hash
	LogIndex uint
}
