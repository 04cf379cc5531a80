package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DealState mirrors the contract's lifecycle enum.
type DealState uint8

const (
	StateCreated DealState = iota
	StateActive
	StateFinalizedStable
	StateFinalizedNFT
	StateCancelled
	StateExpired
	StateDisputed
)

var stateNames = [...]string{
	"Created",
	"Active",
	"FinalizedStable",
	"FinalizedNFT",
	"Cancelled",
	"Expired",
	"Disputed",
}

func (s DealState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

func (s DealState) Terminal() bool {
	switch s {
	case StateFinalizedStable, StateFinalizedNFT, StateCancelled, StateExpired:
		return true
	}
	return false
}

// DisputeOutcome values accepted by resolveDispute.
type DisputeOutcome uint8

const (
	OutcomeNone DisputeOutcome = iota
	OutcomeSenderWins
	OutcomeRecipientWins
	OutcomeSplit
)

func (o DisputeOutcome) String() string {
	switch o {
	case OutcomeNone:
		return "None"
	case OutcomeSenderWins:
		return "SenderWins"
	case OutcomeRecipientWins:
		return "RecipientWins"
	case OutcomeSplit:
		return "Split"
	}
	return "Unknown"
}

// Snapshot is one read of an agreement. It is never mutated; the next read replaces it.
type Snapshot struct {
	ID           uint64
	Initiator    common.Address
	Counterparty common.Address
	State        DealState

	InitialValue *big.Int
	CurrentValue *big.Int
	Deposit      *big.Int

	CreatedAt            time.Time
	ActivatedAt          time.Time
	FinalizedAt          time.Time
	ActivationDeadline   time.Time
	FinalizationDeadline time.Time

	OffchainRef string
	NFTMetadata string

	// Dispute is non-nil exactly when DisputeOpen is set.
	DisputeOpen bool
	Dispute     *Dispute
	// Resolution is what the contract still reports about the last closed dispute.
	Resolution *Resolution
}

type Dispute struct {
	Opener          common.Address
	Reason          string
	OpenedAt        time.Time
	Deadline        time.Time
	Challenger      *common.Address
	ChallengeReason string
	ResolutionNote  string
}

type Resolution struct {
	Mode uint8
	Note string
}

// Exists is false for ids past nextDealId, which the contract reports as zeroed structs.
func (s *Snapshot) Exists() bool {
	return s.Initiator != (common.Address{})
}

// Role names the caller's side of the deal.
type Role string

const (
	RoleNone         Role = ""
	RoleInitiator    Role = "initiator"
	RoleCounterparty Role = "counterparty"
)

func (s *Snapshot) Role(addr common.Address) Role {
	switch addr {
	case common.Address{}:
		return RoleNone
	case s.Initiator:
		return RoleInitiator
	case s.Counterparty:
		return RoleCounterparty
	}
	return RoleNone
}

func (s *Snapshot) Involves(addr common.Address) bool {
	return s.Role(addr) != RoleNone
}

// Action is a state-transition entry point exposed to participants.
type Action string

const (
	ActionActivate         Action = "activate"
	ActionFinalizeStable   Action = "finalize-stable"
	ActionFinalizeNFT      Action = "finalize-nft"
	ActionOpenDispute      Action = "open-dispute"
	ActionChallengeDispute Action = "challenge-dispute"
	ActionResolveDispute   Action = "resolve-dispute"
	ActionCancel           Action = "cancel"
	ActionExpire           Action = "expire"
)

func (a Action) Label() string {
	switch a {
	case ActionActivate:
		return "Activate Deal"
	case ActionFinalizeStable:
		return "Finalize to Stable"
	case ActionFinalizeNFT:
		return "Finalize to NFT"
	case ActionOpenDispute:
		return "Open Dispute"
	case ActionChallengeDispute:
		return "Challenge Dispute"
	case ActionResolveDispute:
		return "Resolve Dispute"
	case ActionCancel:
		return "Cancel Deal"
	case ActionExpire:
		return "Expire Deal"
	}
	return string(a)
}

func ParseAction(raw string) (Action, error) {
	a := Action(raw)
	switch a {
	case ActionActivate, ActionFinalizeStable, ActionFinalizeNFT, ActionOpenDispute,
		ActionChallengeDispute, ActionResolveDispute, ActionCancel, ActionExpire:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// AvailableActions lists what the dashboard offers addr for this snapshot. It is a rendering
// hint only; the contract decides whether a call succeeds.
func (s *Snapshot) AvailableActions(addr common.Address) []Action {
	role := s.Role(addr)
	if role == RoleNone {
		return nil
	}

	switch {
	case s.DisputeOpen:
		actions := []Action{}
		if s.Dispute != nil && s.Dispute.Challenger == nil {
			actions = append(actions, ActionChallengeDispute)
		}
		return append(actions, ActionResolveDispute)
	case s.State == StateCreated:
		actions := []Action{ActionActivate}
		if role == RoleInitiator {
			actions = append(actions, ActionCancel)
		}
		return actions
	case s.State == StateActive:
		return []Action{ActionFinalizeStable, ActionFinalizeNFT, ActionExpire, ActionOpenDispute}
	}
	return nil
}

// dealFields is the arity of the deals(uint256) getter.
const dealFields = 22

func decodeSnapshot(id uint64, out []any) (*Snapshot, error) {
	if len(out) != dealFields {
		return nil, fmt.Errorf("deals(%d): expected %d fields, got %d", id, dealFields, len(out))
	}
	d := fieldDecoder{vals: out}

	snap := &Snapshot{
		ID:                   id,
		Initiator:            d.asAddress(0),
		Counterparty:         d.asAddress(1),
		State:                DealState(d.asUint(2)),
		InitialValue:         d.asBig(3),
		CurrentValue:         d.asBig(4),
		Deposit:              d.asBig(5),
		CreatedAt:            d.asTime(6),
		ActivatedAt:          d.asTime(7),
		FinalizedAt:          d.asTime(8),
		ActivationDeadline:   d.asTime(9),
		FinalizationDeadline: d.asTime(10),
		OffchainRef:          d.asString(11),
		NFTMetadata:          d.asString(12),
		DisputeOpen:          d.asBool(13),
	}

	claimBy := d.asAddress(14)
	claimReason := d.asString(15)
	claimOpenedAt := d.asTime(16)
	claimDeadline := d.asTime(17)
	challengeBy := d.asAddress(18)
	challengeReason := d.asString(19)
	resolutionMode := uint8(d.asUint(20))
	resolutionNote := d.asString(21)

	if d.err != nil {
		return nil, fmt.Errorf("deals(%d): %w", id, d.err)
	}

	if snap.DisputeOpen {
		dispute := &Dispute{
			Opener:          claimBy,
			Reason:          claimReason,
			OpenedAt:        claimOpenedAt,
			Deadline:        claimDeadline,
			ChallengeReason: challengeReason,
			ResolutionNote:  resolutionNote,
		}
		if challengeBy != (common.Address{}) {
			challenger := challengeBy
			dispute.Challenger = &challenger
		}
		snap.Dispute = dispute
	} else if resolutionMode != 0 || resolutionNote != "" {
		snap.Resolution = &Resolution{Mode: resolutionMode, Note: resolutionNote}
	}

	return snap, nil
}

// fieldDecoder pulls typed values out of an unpacked call result, keeping the first error.
type fieldDecoder struct {
	vals []any
	err  error
}

func (d *fieldDecoder) fail(i int, want string) {
	if d.err == nil {
		d.err = fmt.Errorf("field %d: want %s, got %T", i, want, d.vals[i])
	}
}

func (d *fieldDecoder) asAddress(i int) common.Address {
	v, ok := d.vals[i].(common.Address)
	if !ok {
		d.fail(i, "address")
	}
	return v
}

func (d *fieldDecoder) asString(i int) string {
	v, ok := d.vals[i].(string)
	if !ok {
		d.fail(i, "string")
	}
	return v
}

func (d *fieldDecoder) asBool(i int) bool {
	v, ok := d.vals[i].(bool)
	if !ok {
		d.fail(i, "bool")
	}
	return v
}

func (d *fieldDecoder) asBig(i int) *big.Int {
	switch v := d.vals[i].(type) {
	case *big.Int:
		if v == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(v)
	case uint64:
		return new(big.Int).SetUint64(v)
	case uint32:
		return new(big.Int).SetUint64(uint64(v))
	case uint16:
		return new(big.Int).SetUint64(uint64(v))
	case uint8:
		return new(big.Int).SetUint64(uint64(v))
	}
	d.fail(i, "integer")
	return new(big.Int)
}

func (d *fieldDecoder) asUint(i int) uint64 {
	n := d.asBig(i)
	if !n.IsUint64() {
		d.fail(i, "uint64-sized integer")
		return 0
	}
	return n.Uint64()
}

func (d *fieldDecoder) asTime(i int) time.Time {
	secs := d.asUint(i)
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}
