// internal/ledger/errors.go
package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RevertReason is a decoded revert payload: the matched error name, its
// unpacked arguments, a best-effort human translation, and the raw data
// so nothing is lost when decoding fails.
type RevertReason struct {
	Name        string
	Description string
	Args        []interface{}
	Raw         string
}

func (r *RevertReason) String() string {
	if r == nil {
		return "execution reverted (no revert data)"
	}
	switch {
	case r.Name != "" && len(r.Args) > 0:
		return fmt.Sprintf("%s%v: %s", r.Name, r.Args, r.Description)
	case r.Name != "":
		return fmt.Sprintf("%s: %s", r.Name, r.Description)
	case r.Raw != "":
		return "execution reverted: " + r.Raw
	default:
		return "execution reverted"
	}
}

// Transient reports whether the decoded reason is a propagation-delay
// condition worth retrying, as opposed to a genuine contract rejection.
func (r *RevertReason) Transient() bool {
	return r != nil && r.Name == "MetadataUnreachable"
}

// Static signature -> meaning table surfaced alongside the verbatim
// decoded reason.
var revertMeanings = map[string]string{
	"MetadataHashMismatch": "the on-chain hash check of the published metadata failed; the stored document does not match the submitted digest",
	"MetadataUnreachable":  "the registry could not fetch the metadata URI; propagation may not have completed yet",
	"InvalidTokenContract": "the configured ownership token contract is not accepted by the registry",
	"DuplicateContent":     "visually identical content is already registered and duplicates were not permitted",
	"Error":                "generic revert raised by the contract",
}

// DecodeRevert resolves raw revert data against the registry's error ABI.
// Order: standard Error(string), then the registry's custom errors, then
// raw hex as a last resort.
func DecodeRevert(data []byte) *RevertReason {
	if len(data) == 0 {
		return nil
	}

	if msg, err := abi.UnpackRevert(data); err == nil {
		return &RevertReason{
			Name:        "Error",
			Description: revertMeanings["Error"],
			Args:        []interface{}{msg},
			Raw:         hexutil.Encode(data),
		}
	}

	if len(data) >= 4 {
		for name, customErr := range RegistryABI.Errors {
			if !strings.EqualFold(hex.EncodeToString(customErr.ID.Bytes()[:4]), hex.EncodeToString(data[:4])) {
				continue
			}
			reason := &RevertReason{
				Name:        name,
				Description: revertMeanings[name],
				Raw:         hexutil.Encode(data),
			}
			if unpacked, err := customErr.Unpack(data); err == nil {
				if args, ok := unpacked.([]interface{}); ok {
					reason.Args = args
				} else {
					reason.Args = []interface{}{unpacked}
				}
			}
			return reason
		}
	}

	return &RevertReason{Raw: hexutil.Encode(data)}
}

// dataError is the shape geth's JSON-RPC client gives revert payloads.
// Declared locally so test doubles don't need the rpc package.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// revertDataFromError digs the revert payload out of an RPC error chain.
func revertDataFromError(err error) ([]byte, bool) {
	var de dataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch payload := de.ErrorData().(type) {
	case string:
		raw, decodeErr := hexutil.Decode(payload)
		if decodeErr != nil {
			return nil, false
		}
		return raw, true
	case hexutil.Bytes:
		return payload, true
	case []byte:
		return payload, true
	default:
		return nil, false
	}
}
