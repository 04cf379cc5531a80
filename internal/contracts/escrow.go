package contracts

// Escrow event names as declared in the ABI. Every event indexes dealId as its first topic.
const (
	EventDealCreated           = "DealCreated"
	EventDealActivated         = "DealActivated"
	EventDealFinalizedToStable = "DealFinalizedToStable"
	EventDealFinalizedToNFT    = "DealFinalizedToNFT"
	EventDealCancelled         = "DealCancelled"
	EventDisputeOpened         = "DisputeOpened"
	EventDisputeChallenged     = "DisputeChallenged"
	EventDisputeResolved       = "DisputeResolved"
)

// EscrowABI is the subset of the escrow contract ABI the dashboard reads, writes and filters.
const EscrowABI = `[
  {"type":"function","name":"nextDealId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"deals","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"sender","type":"address"},
     {"name":"recipient","type":"address"},
     {"name":"state","type":"uint8"},
     {"name":"initialValue","type":"uint256"},
     {"name":"currentValue","type":"uint256"},
     {"name":"deposit","type":"uint256"},
     {"name":"createdAt","type":"uint64"},
     {"name":"activatedAt","type":"uint64"},
     {"name":"finalizedAt","type":"uint64"},
     {"name":"activationDeadline","type":"uint64"},
     {"name":"finalizationDeadline","type":"uint64"},
     {"name":"offchainRef","type":"string"},
     {"name":"nftMetadata","type":"string"},
     {"name":"disputeOpen","type":"bool"},
     {"name":"claimBy","type":"address"},
     {"name":"claimReason","type":"string"},
     {"name":"claimOpenedAt","type":"uint64"},
     {"name":"claimDeadline","type":"uint64"},
     {"name":"challengeBy","type":"address"},
     {"name":"challengeReason","type":"string"},
     {"name":"resolutionMode","type":"uint8"},
     {"name":"resolutionNote","type":"string"}
   ]},
  {"type":"function","name":"createDeal","stateMutability":"payable",
   "inputs":[{"name":"recipient","type":"address"},{"name":"initialValue","type":"uint256"},{"name":"offchainRef","type":"string"}],
   "outputs":[{"name":"dealId","type":"uint256"}]},
  {"type":"function","name":"activateDeal","stateMutability":"nonpayable","inputs":[{"name":"dealId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"finalizeToStable","stateMutability":"nonpayable","inputs":[{"name":"dealId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"finalizeToNFT","stateMutability":"nonpayable",
   "inputs":[{"name":"dealId","type":"uint256"},{"name":"metadata","type":"string"}],"outputs":[]},
  {"type":"function","name":"openDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"dealId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"challengeDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"dealId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"resolveDispute","stateMutability":"nonpayable",
   "inputs":[
     {"name":"dealId","type":"uint256"},
     {"name":"mode","type":"uint8"},
     {"name":"note","type":"string"},
     {"name":"outcome","type":"uint8"},
     {"name":"recipientBps","type":"uint16"}
   ],"outputs":[]},
  {"type":"function","name":"cancelInactive","stateMutability":"nonpayable","inputs":[{"name":"dealId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"expireDeal","stateMutability":"nonpayable","inputs":[{"name":"dealId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"DealCreated","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"sender","type":"address","indexed":true},
     {"name":"recipient","type":"address","indexed":true},
     {"name":"value","type":"uint256","indexed":false},
     {"name":"offchainRef","type":"string","indexed":false}]},
  {"type":"event","name":"DealActivated","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"deposit","type":"uint256","indexed":false}]},
  {"type":"event","name":"DealFinalizedToStable","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DealFinalizedToNFT","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"metadata","type":"string","indexed":false}]},
  {"type":"event","name":"DealCancelled","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true}]},
  {"type":"event","name":"DisputeOpened","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"by","type":"address","indexed":true},
     {"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"DisputeChallenged","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"by","type":"address","indexed":true},
     {"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
     {"name":"dealId","type":"uint256","indexed":true},
     {"name":"outcome","type":"uint8","indexed":false},
     {"name":"recipientBps","type":"uint16","indexed":false},
     {"name":"note","type":"string","indexed":false}]}
]`
