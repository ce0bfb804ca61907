package trace

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR so the same snapshot always encodes to the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes. The lowering
// record is not part of the wire form; it is reattached from the
// projection table when the snapshot is restored.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("trace: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// TraceFile is a recorded run: the module it came from and the full
// snapshot history, oldest first.
type TraceFile struct {
	Module    string      `cbor:"1,keyasint"`
	Entry     int         `cbor:"2,keyasint"`
	Created   time.Time   `cbor:"3,keyasint"`
	Snapshots []*Snapshot `cbor:"4,keyasint"`
}

// MarshalTrace serializes a TraceFile to CBOR bytes.
func MarshalTrace(t *TraceFile) ([]byte, error) {
	return cborEncMode.Marshal(t)
}

// UnmarshalTrace deserializes a TraceFile from CBOR bytes.
func UnmarshalTrace(data []byte) (*TraceFile, error) {
	var t TraceFile
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trace: unmarshal trace: %w", err)
	}
	return &t, nil
}
