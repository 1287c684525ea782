package crdt

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrEmptyUpdate indicates that an update frame carried no bytes.
	ErrEmptyUpdate = errors.New("crdt: empty update frame")
	// ErrCorruptState indicates that a serialized document could not be parsed.
	ErrCorruptState = errors.New("crdt: corrupt serialized state")
)

const maxFrameLength = 16 << 20

// Document is the authoritative in-memory state of one collaborative document:
// an ordered log of opaque binary update frames, deduplicated by content hash.
// Applying the union of any two frame sets in any interleaving produces the
// same frame set, which makes the merge commutative and idempotent.
//
// Document is not safe for concurrent use; callers serialize access.
type Document struct {
	frames [][]byte
	seen   map[[sha256.Size]byte]struct{}
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		seen: make(map[[sha256.Size]byte]struct{}),
	}
}

// LoadDocument reconstructs a document from a serialized blob produced by
// Serialize. A nil or empty blob yields an empty document.
func LoadDocument(blob []byte) (*Document, error) {
	document := NewDocument()
	offset := 0
	for offset < len(blob) {
		frameLength, headerLength := binary.Uvarint(blob[offset:])
		if headerLength <= 0 {
			return nil, fmt.Errorf("%w: invalid frame header at offset %d", ErrCorruptState, offset)
		}
		if frameLength == 0 || frameLength > maxFrameLength {
			return nil, fmt.Errorf("%w: frame length %d at offset %d", ErrCorruptState, frameLength, offset)
		}
		offset += headerLength
		end := offset + int(frameLength)
		if end > len(blob) {
			return nil, fmt.Errorf("%w: truncated frame at offset %d", ErrCorruptState, offset)
		}
		if _, err := document.Apply(blob[offset:end]); err != nil {
			return nil, err
		}
		offset = end
	}
	return document, nil
}

// Apply merges one update frame into the document. It reports whether the
// frame was new; re-applying an already-seen frame is a no-op.
func (d *Document) Apply(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, ErrEmptyUpdate
	}
	digest := sha256.Sum256(update)
	if _, duplicate := d.seen[digest]; duplicate {
		return false, nil
	}
	frame := append([]byte(nil), update...)
	d.frames = append(d.frames, frame)
	d.seen[digest] = struct{}{}
	return true, nil
}

// Len returns the number of distinct frames merged so far.
func (d *Document) Len() int {
	return len(d.frames)
}

// Serialize encodes the document as a sequence of uvarint-length-prefixed
// frames. LoadDocument inverts it.
func (d *Document) Serialize() []byte {
	size := 0
	for _, frame := range d.frames {
		size += binary.MaxVarintLen64 + len(frame)
	}
	blob := make([]byte, 0, size)
	var header [binary.MaxVarintLen64]byte
	for _, frame := range d.frames {
		headerLength := binary.PutUvarint(header[:], uint64(len(frame)))
		blob = append(blob, header[:headerLength]...)
		blob = append(blob, frame...)
	}
	return blob
}

// Equal reports whether both documents hold the same frame set, regardless of
// the order the frames were applied in.
func (d *Document) Equal(other *Document) bool {
	if other == nil || len(d.seen) != len(other.seen) {
		return false
	}
	for digest := range d.seen {
		if _, ok := other.seen[digest]; !ok {
			return false
		}
	}
	return true
}
