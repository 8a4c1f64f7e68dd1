// internal/ledger/contracts.go
package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// The registry contract mints one ownership token per registered asset
// and derives the asset identifier deterministically from
// (chainId, tokenContract, tokenId). Only the surface this service calls
// is declared here.
const registryABIJSON = `[
  {"type":"function","name":"mintAndRegister","stateMutability":"nonpayable","inputs":[
    {"name":"recipient","type":"address"},
    {"name":"assetURI","type":"string"},
    {"name":"assetHash","type":"bytes32"},
    {"name":"tokenURI","type":"string"},
    {"name":"tokenHash","type":"bytes32"},
    {"name":"allowDuplicates","type":"bool"}],
   "outputs":[{"name":"assetId","type":"address"},{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"computeAssetId","stateMutability":"view","inputs":[
    {"name":"chainId","type":"uint256"},
    {"name":"tokenContract","type":"address"},
    {"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"AssetRegistered","anonymous":false,"inputs":[
    {"name":"assetId","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"assetURI","type":"string","indexed":false}]},
  {"type":"error","name":"MetadataHashMismatch","inputs":[
    {"name":"expected","type":"bytes32"},{"name":"actual","type":"bytes32"}]},
  {"type":"error","name":"MetadataUnreachable","inputs":[{"name":"uri","type":"string"}]},
  {"type":"error","name":"InvalidTokenContract","inputs":[{"name":"tokenContract","type":"address"}]},
  {"type":"error","name":"DuplicateContent","inputs":[{"name":"contentHash","type":"bytes32"}]}
]`

// ERC-721 subset used by the ownership indexer. The contract exposes no
// by-owner enumeration, which is why ownership is reconstructed from the
// Transfer log.
const tokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[
    {"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]}
]`

var (
	RegistryABI = mustParseABI(registryABIJSON)
	TokenABI    = mustParseABI(tokenABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid contract ABI: " + err.Error())
	}
	return parsed
}
