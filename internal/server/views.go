package server

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdash/internal/dealsync"
	"escrowdash/internal/escrow"
	"escrowdash/internal/scanner"
	"escrowdash/internal/session"
	"escrowdash/internal/txflow"
)

type sessionView struct {
	Account         string `json:"account,omitempty"`
	ChainID         uint64 `json:"chainId"`
	RequiredChainID uint64 `json:"requiredChainId"`
	Network         string `json:"network"`
	Connected       bool   `json:"connected"`
	WrongNetwork    bool   `json:"wrongNetwork"`
	Connecting      bool   `json:"connecting"`
	Error           string `json:"error,omitempty"`
}

func newSessionView(m *session.Manager) sessionView {
	st := m.State()
	v := sessionView{
		ChainID:         st.ChainID,
		RequiredChainID: st.RequiredChainID,
		Network:         m.Network().Name,
		Connected:       st.Connected(),
		WrongNetwork:    st.Connected() && !st.OnRequiredNetwork(),
		Connecting:      st.Connecting,
	}
	if st.Account != nil {
		v.Account = st.Account.Hex()
	}
	if st.Err != nil {
		v.Error = txflow.FailureMessage(st.Err)
	}
	return v
}

type disputeView struct {
	Opener          string    `json:"opener"`
	Reason          string    `json:"reason"`
	OpenedAt        time.Time `json:"openedAt"`
	Deadline        time.Time `json:"deadline"`
	Challenger      string    `json:"challenger,omitempty"`
	ChallengeReason string    `json:"challengeReason,omitempty"`
	ResolutionNote  string    `json:"resolutionNote,omitempty"`
}

type dealView struct {
	ID                   uint64             `json:"id"`
	Initiator            string             `json:"initiator"`
	Counterparty         string             `json:"counterparty"`
	State                string             `json:"state"`
	InitialValue         string             `json:"initialValue"`
	CurrentValue         string             `json:"currentValue"`
	Deposit              string             `json:"deposit"`
	CreatedAt            *time.Time         `json:"createdAt,omitempty"`
	ActivatedAt          *time.Time         `json:"activatedAt,omitempty"`
	FinalizedAt          *time.Time         `json:"finalizedAt,omitempty"`
	ActivationDeadline   *time.Time         `json:"activationDeadline,omitempty"`
	FinalizationDeadline *time.Time         `json:"finalizationDeadline,omitempty"`
	OffchainRef          string             `json:"offchainRef,omitempty"`
	NFTMetadata          string             `json:"nftMetadata,omitempty"`
	Dispute              *disputeView       `json:"dispute,omitempty"`
	Resolution           *escrow.Resolution `json:"resolution,omitempty"`
	Role                 escrow.Role        `json:"role,omitempty"`
	Actions              []escrow.Action    `json:"actions"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newDealView(d *escrow.Snapshot, me common.Address) dealView {
	v := dealView{
		ID:                   d.ID,
		Initiator:            d.Initiator.Hex(),
		Counterparty:         d.Counterparty.Hex(),
		State:                d.State.String(),
		InitialValue:         escrow.FormatEther(d.InitialValue),
		CurrentValue:         escrow.FormatEther(d.CurrentValue),
		Deposit:              escrow.FormatEther(d.Deposit),
		CreatedAt:            optionalTime(d.CreatedAt),
		ActivatedAt:          optionalTime(d.ActivatedAt),
		FinalizedAt:          optionalTime(d.FinalizedAt),
		ActivationDeadline:   optionalTime(d.ActivationDeadline),
		FinalizationDeadline: optionalTime(d.FinalizationDeadline),
		OffchainRef:          d.OffchainRef,
		NFTMetadata:          d.NFTMetadata,
		Resolution:           d.Resolution,
		Role:                 d.Role(me),
		Actions:              d.AvailableActions(me),
	}
	if v.Actions == nil {
		v.Actions = []escrow.Action{}
	}
	if d.Dispute != nil {
		dv := &disputeView{
			Opener:          d.Dispute.Opener.Hex(),
			Reason:          d.Dispute.Reason,
			OpenedAt:        d.Dispute.OpenedAt,
			Deadline:        d.Dispute.Deadline,
			ChallengeReason: d.Dispute.ChallengeReason,
			ResolutionNote:  d.Dispute.ResolutionNote,
		}
		if d.Dispute.Challenger != nil {
			dv.Challenger = d.Dispute.Challenger.Hex()
		}
		v.Dispute = dv
	}
	return v
}

type eventView struct {
	Kind     string `json:"kind"`
	Block    uint64 `json:"block"`
	TxHash   string `json:"txHash"`
	LogIndex uint   `json:"logIndex"`
	TxURL    string `json:"txUrl,omitempty"`
}

// dealPage is the detail page. Deal is null while unavailable or when the id does not exist.
type dealPage struct {
	ID          uint64      `json:"id"`
	Deal        *dealView   `json:"deal"`
	Exists      bool        `json:"exists"`
	Unavailable bool        `json:"unavailable"`
	Events      []eventView `json:"events"`
	Tx          txView      `json:"tx"`
}

func (s *Server) newDealPage(view dealsync.View) dealPage {
	var me common.Address
	if acct := s.app.Session().State().Account; acct != nil {
		me = *acct
	}
	network := s.app.Session().Network()

	page := dealPage{
		ID:          view.ID,
		Unavailable: view.Unavailable,
		Events:      make([]eventView, 0, len(view.Events)),
		Tx:          s.newTxView(s.app.TxStatus(view.ID)),
	}
	if view.Snapshot != nil && view.Snapshot.Exists() {
		dv := newDealView(view.Snapshot, me)
		page.Deal = &dv
		page.Exists = true
	}
	for _, ev := range view.Events {
		hash := ev.TxHash.Hex()
		page.Events = append(page.Events, eventView{
			Kind:     ev.Kind.String(),
			Block:    ev.Block,
			TxHash:   hash,
			LogIndex: ev.LogIndex,
			TxURL:    network.TxURL(hash),
		})
	}
	return page
}

type txView struct {
	txflow.Record
	TxURL string `json:"txUrl,omitempty"`
}

func (s *Server) newTxView(rec txflow.Record) txView {
	return txView{Record: rec, TxURL: s.app.Session().Network().TxURL(rec.TxHash)}
}

type listView struct {
	Identity   string        `json:"identity"`
	Total      uint64        `json:"total"`
	Deals      []dealView    `json:"deals"`
	Unreadable []uint64      `json:"unreadable"`
	Stats      scanner.Stats `json:"stats"`
}
