// internal/metadata/builder.go
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/artledger/provenance-backend/internal/models"
)

// DigestPrefix is prepended to the hex digest; the registry contract
// stores the digest as bytes32, so the prefixed form is the wire format
// everywhere a digest travels as a string.
const DigestPrefix = "0x"

// Document is a metadata payload frozen into its canonical bytes plus the
// digest of those exact bytes. The bytes are what gets uploaded; the
// digest is never recomputed from a different serialization path.
type Document struct {
	Bytes  []byte
	Digest string
}

// BuildInput is what the caller supplies for one registration attempt.
type BuildInput struct {
	Name           string
	Description    string
	MediaReference string
	MediaType      string
	Attributes     []models.MetadataKeyPair
	// CreatedAt is fixed by the caller before hashing. The zero value
	// uses the current UTC time, truncated to seconds, stamped once.
	CreatedAt time.Time
}

// Build produces the asset document and the ownership-token document for
// one registration. Both embed the same media reference so the two
// records refer to one another unambiguously. Output is deterministic for
// identical input: struct field order is fixed, attributes are sorted,
// and the bytes are RFC 8785 canonical JSON.
func Build(in BuildInput) (asset Document, token Document, err error) {
	if in.MediaReference == "" {
		return Document{}, Document{}, fmt.Errorf("media reference is required")
	}

	mediaType := in.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC().Truncate(time.Second)
	}

	attrs := make([]models.MetadataKeyPair, len(in.Attributes))
	copy(attrs, in.Attributes)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })

	assetDoc := models.AssetMetadata{
		Title:       in.Name,
		Description: in.Description,
		MediaURL:    in.MediaReference,
		MediaType:   mediaType,
		CreatedAt:   createdAt.UTC().Format(time.RFC3339),
		Attributes:  attrs,
	}

	tokenDoc := models.OwnershipTokenMetadata{
		Name:        in.Name + " Ownership Token",
		Description: "Ownership token for: " + in.Description,
		Image:       in.MediaReference,
	}

	if asset, err = freeze(assetDoc); err != nil {
		return Document{}, Document{}, fmt.Errorf("failed to serialize asset metadata: %w", err)
	}
	if token, err = freeze(tokenDoc); err != nil {
		return Document{}, Document{}, fmt.Errorf("failed to serialize token metadata: %w", err)
	}

	return asset, token, nil
}

func freeze(doc interface{}) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Document{}, err
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Document{}, err
	}

	return Document{Bytes: canonical, Digest: DigestOf(canonical)}, nil
}

// DigestOf hashes raw bytes into the prefixed hex form.
func DigestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// CanonicalDigest canonicalizes fetched JSON before hashing. Gateways may
// reformat stored documents, so byte comparison alone cannot distinguish
// corruption from reformatting; canonicalizing first makes the digest
// stable across both paths.
func CanonicalDigest(data []byte) (string, error) {
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("content is not valid JSON: %w", err)
	}
	return DigestOf(canonical), nil
}

// DigestBytes converts the prefixed hex digest back into the 32 raw bytes
// the registry contract expects.
func DigestBytes(digest string) ([32]byte, error) {
	var out [32]byte
	if len(digest) != 2+64 || digest[:2] != DigestPrefix {
		return out, fmt.Errorf("malformed digest %q", digest)
	}
	raw, err := hex.DecodeString(digest[2:])
	if err != nil {
		return out, fmt.Errorf("malformed digest %q: %w", digest, err)
	}
	copy(out[:], raw)
	return out, nil
}
