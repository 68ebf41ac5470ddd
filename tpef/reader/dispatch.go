package reader

import (
	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/tpef"
)

// ErrInstanceNotFound is returned when no registered FormatReader claims
// a stream (spec.md §4.4, §7).
var ErrInstanceNotFound = errors.New("reader: no format reader claims this stream")

// FormatReader is a whole-binary reader for one on-disk format. TPEF
// itself and the legacy a.out importer both implement it.
type FormatReader interface {
	// IsMyStreamType inspects (and must restore) the stream's read
	// position to decide whether ReadData would succeed.
	IsMyStreamType(s *bstream.Stream) bool
	ReadData(s *bstream.Stream) (*tpef.Binary, error)
}

var registry []FormatReader

// Register adds a FormatReader to the dispatch list. Format readers call
// this from an init() function, mirroring spec.md §4.4's "registers
// per-format readers at module init"; see NewDispatcher for an explicit,
// non-global alternative.
func Register(r FormatReader) {
	registry = append(registry, r)
}

func init() {
	Register(tpefFormat{})
}

// Read tries every registered FormatReader in registration order and
// invokes the first match's ReadData, per spec.md §4.4.
func Read(s *bstream.Stream) (*tpef.Binary, error) {
	return NewDispatcher(registry).Read(s)
}

// Dispatcher is an explicit, non-global form of the package-level
// registry, for embeddings that want to control exactly which formats are
// available rather than relying on blank imports for side-effecting
// registration (spec.md §9, "prototype-registration → explicit registry").
type Dispatcher struct {
	readers []FormatReader
}

// NewDispatcher returns a Dispatcher that tries readers in order.
func NewDispatcher(readers []FormatReader) *Dispatcher {
	return &Dispatcher{readers: readers}
}

// Read tries every reader in order and returns the first match's result.
func (d *Dispatcher) Read(s *bstream.Stream) (*tpef.Binary, error) {
	start := s.ReadPosition()
	for _, r := range d.readers {
		s.SetReadPosition(start)
		if r.IsMyStreamType(s) {
			s.SetReadPosition(start)
			return r.ReadData(s)
		}
	}
	s.SetReadPosition(start)
	return nil, ErrInstanceNotFound
}
