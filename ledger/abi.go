package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const escrowABIJSON = `[
  {"type":"function","name":"getDeal","stateMutability":"view",
   "inputs":[{"name":"dealId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"sender","type":"address"},{"name":"receiver","type":"address"},
              {"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},
              {"name":"description","type":"string"}]},
  {"type":"function","name":"evidenceCount","stateMutability":"view",
   "inputs":[{"name":"dealId","type":"uint256"},{"name":"submitter","type":"address"}],
   "outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"evidence","stateMutability":"view",
   "inputs":[{"name":"dealId","type":"uint256"},{"name":"submitter","type":"address"},{"name":"index","type":"uint256"}],
   "outputs":[{"name":"uri","type":"string"},{"name":"kind","type":"string"},{"name":"description","type":"string"},
              {"name":"timestamp","type":"uint64"}]}
]`

const disputesABIJSON = `[
  {"type":"function","name":"dealDisputeId","stateMutability":"view",
   "inputs":[{"name":"dealId","type":"uint256"}],
   "outputs":[{"name":"disputeId","type":"uint256"}]},
  {"type":"function","name":"getDispute","stateMutability":"view",
   "inputs":[{"name":"disputeId","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"dealId","type":"uint256"},{"name":"initiator","type":"address"},
              {"name":"fee","type":"uint256"},{"name":"feeToken","type":"address"},{"name":"winner","type":"address"}]},
  {"type":"function","name":"disputeTimer","stateMutability":"view",
   "inputs":[{"name":"disputeId","type":"uint256"}],
   "outputs":[{"name":"start","type":"uint64"},{"name":"standardDuration","type":"uint64"},{"name":"extensionDuration","type":"uint64"}]},
  {"type":"function","name":"disputeFee","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"getJurors","stateMutability":"view",
   "inputs":[{"name":"disputeId","type":"uint256"}],
   "outputs":[{"name":"jurors","type":"address[]"}]},
  {"type":"function","name":"jurorCandidate","stateMutability":"view",
   "inputs":[{"name":"disputeId","type":"uint256"},{"name":"juror","type":"address"}],
   "outputs":[{"name":"status","type":"uint8"}]},
  {"type":"function","name":"disputeVote","stateMutability":"view",
   "inputs":[{"name":"disputeId","type":"uint256"},{"name":"juror","type":"address"}],
   "outputs":[{"name":"support","type":"address"}]},
  {"type":"function","name":"openDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"dealId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"vote","stateMutability":"nonpayable",
   "inputs":[{"name":"disputeId","type":"uint256"},{"name":"support","type":"address"}],
   "outputs":[]},
  {"type":"event","name":"DisputeOpened","anonymous":false,
   "inputs":[{"name":"disputeId","type":"uint256","indexed":true},{"name":"dealId","type":"uint256","indexed":true},
             {"name":"initiator","type":"address","indexed":true}]},
  {"type":"event","name":"RequestSent","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"disputeId","type":"uint256","indexed":true}]},
  {"type":"event","name":"RequestFulfilled","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"disputeId","type":"uint256","indexed":true}]},
  {"type":"event","name":"JurorsSelected","anonymous":false,
   "inputs":[{"name":"disputeId","type":"uint256","indexed":true},{"name":"jurors","type":"address[]","indexed":false}]}
]`

const jurorsABIJSON = `[
  {"type":"function","name":"jurorDisputeHistory","stateMutability":"view",
   "inputs":[{"name":"juror","type":"address"}],
   "outputs":[{"name":"disputeIds","type":"uint256[]"}]},
  {"type":"function","name":"getJuror","stateMutability":"view",
   "inputs":[{"name":"juror","type":"address"}],
   "outputs":[{"name":"stake","type":"uint256"},{"name":"reputation","type":"uint64"},{"name":"missedVotes","type":"uint64"},
              {"name":"active","type":"bool"}]},
  {"type":"function","name":"jurorTokenPayment","stateMutability":"view",
   "inputs":[{"name":"juror","type":"address"},{"name":"token","type":"address"}],
   "outputs":[{"name":"amount","type":"uint256"}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Approval","anonymous":false,
   "inputs":[{"name":"owner","type":"address","indexed":true},{"name":"spender","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]}
]`

// ABIs bundles the parsed contract interfaces.
type ABIs struct {
	Escrow   abi.ABI
	Disputes abi.ABI
	Jurors   abi.ABI
	ERC20    abi.ABI
}

var (
	abisOnce sync.Once
	abisVal  *ABIs
	abisErr  error
)

// ContractABIs returns the lazily parsed contract ABIs.
func ContractABIs() (*ABIs, error) {
	abisOnce.Do(func() {
		parsed := &ABIs{}
		for _, item := range []struct {
			name string
			src  string
			dst  *abi.ABI
		}{
			{"escrow", escrowABIJSON, &parsed.Escrow},
			{"disputes", disputesABIJSON, &parsed.Disputes},
			{"jurors", jurorsABIJSON, &parsed.Jurors},
			{"erc20", erc20ABIJSON, &parsed.ERC20},
		} {
			value, err := abi.JSON(strings.NewReader(item.src))
			if err != nil {
				abisErr = fmt.Errorf("ledger: parse %s abi: %w", item.name, err)
				return
			}
			*item.dst = value
		}
		abisVal = parsed
	})
	return abisVal, abisErr
}
