package evm

// ticketABI covers the parts of the conditional ticket contract this
// package calls, plus the ERC-721 Transfer event used to learn minted ids.
const ticketABI = `[
  {"type":"function","name":"mintConditionalTicketSimple","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"encryptedPre","type":"string"},{"name":"eventIndex","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"redeemConditionalTicket","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"encryptedPost","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"returnTicketInfo","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[
     {"name":"status","type":"uint8"},
     {"name":"description","type":"string"},
     {"name":"meta1","type":"string"},
     {"name":"meta2","type":"string"},
     {"name":"eventIndex","type":"uint32"},
     {"name":"externalTokenId","type":"uint64"},
     {"name":"eventRoundId","type":"uint64"},
     {"name":"ticketPrice","type":"uint64"}]},
  {"type":"function","name":"encryptedDataPreRelease","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"encryptedDataPostRelease","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"returnRedeemerAddress","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[
     {"name":"from","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"tokenId","type":"uint256","indexed":true}]}
]`

const (
	methodMint        = "mintConditionalTicketSimple"
	methodRedeem      = "redeemConditionalTicket"
	methodTicketInfo  = "returnTicketInfo"
	methodPreRelease  = "encryptedDataPreRelease"
	methodPostRelease = "encryptedDataPostRelease"
	methodOwnerOf     = "ownerOf"
	methodRedeemer    = "returnRedeemerAddress"
	eventTransfer     = "Transfer"
)
