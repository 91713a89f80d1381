package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// MetadataLen is the packed size: workflowId (32) | workflowName (10) |
// workflowOwner (20).
const MetadataLen = 32 + 10 + common.AddressLength

// Metadata identifies the workflow that produced a report.
type Metadata struct {
	WorkflowID   [32]byte
	WorkflowName [10]byte
	Owner        common.Address
}

// EncodeMetadata packs m without padding.
func EncodeMetadata(m Metadata) []byte {
	out := make([]byte, 0, MetadataLen)
	out = append(out, m.WorkflowID[:]...)
	out = append(out, m.WorkflowName[:]...)
	out = append(out, m.Owner.Bytes()...)
	return out
}

// DecodeMetadata unpacks the leading MetadataLen bytes of raw. Trailing
// bytes are ignored.
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) < MetadataLen {
		return Metadata{}, fmt.Errorf("%w: got %d bytes, need %d", domain.ErrInvalidMetadata, len(raw), MetadataLen)
	}
	var m Metadata
	copy(m.WorkflowID[:], raw[0:32])
	copy(m.WorkflowName[:], raw[32:42])
	m.Owner = common.BytesToAddress(raw[42:MetadataLen])
	return m, nil
}

// WorkflowNameHash derives the 10-byte workflow name carried in metadata:
// the first ten characters of the lowercase hex SHA-256 of the name. An
// empty name yields the zero value.
func WorkflowNameHash(name string) [10]byte {
	var out [10]byte
	if name == "" {
		return out
	}
	sum := sha256.Sum256([]byte(name))
	copy(out[:], hex.EncodeToString(sum[:])[:10])
	return out
}
