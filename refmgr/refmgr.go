// Package refmgr implements the L2 reference manager: a registry that
// decouples an element's identity (its position in the cross-section
// reference graph) from its eventual file layout. Readers register
// targets under keys as they are created; every other reader may ask for
// a SafeReference to a key before its target exists, and the manager
// fixes all of them up in one pass at Resolve time.
//
// The reference implementation keeps this as a process-wide singleton.
// We generalize it to an explicit *Manager so an embedder can hold more
// than one Binary open at a time.
package refmgr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors so callers can use errors.Is against the ones named in
// spec.md §7.
var (
	ErrKeyAlreadyExists   = errors.New("refmgr: key already bound to a different target")
	ErrUnresolvedReference = errors.New("refmgr: unresolved reference")
)

// SectionID identifies a section by its assigned index within a Binary.
// It is the unit every key is scoped by, since section-local indices and
// offsets are only unique within one section.
type SectionID uint32

type keyKind int

const (
	kindSI keyKind = iota // section + element index
	kindSO                // section + byte offset
	kindS                 // section alone
	kindFO                // file offset
)

// Key addresses a not-yet-registered target. Exactly one of the
// constructors below should be used to build one; the zero Key is not
// valid.
type Key struct {
	kind       keyKind
	section    SectionID
	index      uint32
	offset     uint32
	fileOffset uint32
}

// SectionIndexKey addresses an element by its ordinal position within a
// section (spec.md's SIMap).
func SectionIndexKey(section SectionID, index uint32) Key {
	return Key{kind: kindSI, section: section, index: index}
}

// SectionOffsetKey addresses a byte position inside a chunkable section's
// data buffer (spec.md's SOMap).
func SectionOffsetKey(section SectionID, offset uint32) Key {
	return Key{kind: kindSO, section: section, offset: offset}
}

// SectionKey addresses a section by its id alone (spec.md's SMap), used
// e.g. for section-symbol or section-to-section links.
func SectionKey(section SectionID) Key {
	return Key{kind: kindS, section: section}
}

// FileOffsetKey addresses a target by its absolute file offset (spec.md's
// FOMap), used while a reader is still resolving raw stream positions into
// live objects.
func FileOffsetKey(fileOffset uint32) Key {
	return Key{kind: kindFO, fileOffset: fileOffset}
}

func (k Key) String() string {
	switch k.kind {
	case kindSI:
		return fmt.Sprintf("SI(section=%d,index=%d)", k.section, k.index)
	case kindSO:
		return fmt.Sprintf("SO(section=%d,offset=%d)", k.section, k.offset)
	case kindS:
		return fmt.Sprintf("S(section=%d)", k.section)
	case kindFO:
		return fmt.Sprintf("FO(offset=%d)", k.fileOffset)
	default:
		return "Key(invalid)"
	}
}

// SafeReference is an opaque handle that resolves to a live target once
// its key (or the target itself) is registered with the Manager that
// created it. A SafeReference that never resolves keeps a nil target and
// is safe to read (Target returns nil, false).
type SafeReference struct {
	mgr      *Manager
	target   any
	resolved bool
}

// Target returns the safe reference's live target and whether it has been
// resolved yet.
func (r *SafeReference) Target() (any, bool) {
	if r == nil {
		return nil, false
	}
	return r.target, r.resolved
}

// MustTarget panics if the reference has not resolved; used by code paths
// that run strictly after Resolve has succeeded, where an unresolved
// reference is an invariant violation rather than user error.
func (r *SafeReference) MustTarget() any {
	t, ok := r.Target()
	if !ok {
		panic("refmgr: MustTarget called on an unresolved SafeReference")
	}
	return t
}

func (r *SafeReference) bind(target any) {
	if old, ok := r.mgr.rmap[r]; ok {
		r.mgr.removeFromRList(old, r)
	}
	r.target = target
	r.resolved = true
	r.mgr.rmap[r] = target
	r.mgr.rtargets[target] = append(r.mgr.rtargets[target], r)
}

// Manager owns every key table and every SafeReference issued against it.
// It is not safe for concurrent use from more than one goroutine — see
// spec.md §5; an embedding that wants concurrency should give every
// goroutine its own Manager.
type Manager struct {
	keyTargets map[Key]any
	keyRefs    map[Key][]*SafeReference
	rtargets   map[any][]*SafeReference
	rmap       map[*SafeReference]any // ref -> its current bound target, for bind's O(1) unbind

	// chunkMaterializer is called by Resolve for each still-outstanding
	// SectionOffsetKey, so a Chunk at that offset is materialized on
	// demand (spec.md §4.2, "resolve()").
	chunkMaterializer func(section SectionID, offset uint32) (any, error)
}

// New returns an empty Manager. materializeChunk is called by Resolve for
// every still-outstanding SectionOffsetKey whose section is chunkable; it
// must return the (possibly newly created) Chunk target for that offset.
func New(materializeChunk func(section SectionID, offset uint32) (any, error)) *Manager {
	return &Manager{
		keyTargets:        make(map[Key]any),
		keyRefs:           make(map[Key][]*SafeReference),
		rtargets:          make(map[any][]*SafeReference),
		rmap:              make(map[*SafeReference]any),
		chunkMaterializer: materializeChunk,
	}
}

// CreateForKey returns a new SafeReference addressing key. If key is
// already bound to a target, the reference resolves immediately;
// otherwise it joins the list that AddObjectReference or Resolve will
// fix up later.
func (m *Manager) CreateForKey(key Key) *SafeReference {
	ref := &SafeReference{mgr: m}
	if target, ok := m.keyTargets[key]; ok {
		ref.bind(target)
		return ref
	}
	m.keyRefs[key] = append(m.keyRefs[key], ref)
	return ref
}

// CreateForTarget returns a new SafeReference pre-bound to target.
func (m *Manager) CreateForTarget(target any) *SafeReference {
	ref := &SafeReference{mgr: m}
	ref.bind(target)
	return ref
}

// AddObjectReference binds key to target. Every SafeReference already
// waiting on key begins resolving to target. It is an error (wrapping
// ErrKeyAlreadyExists) to bind a key that is already bound to a different
// target — readers must not register the same section-local index twice.
func (m *Manager) AddObjectReference(key Key, target any) error {
	if existing, ok := m.keyTargets[key]; ok {
		if existing == target {
			return nil
		}
		return errors.Wrapf(ErrKeyAlreadyExists, "key %s", key)
	}
	m.keyTargets[key] = target
	for _, ref := range m.keyRefs[key] {
		ref.bind(target)
	}
	delete(m.keyRefs, key)
	return nil
}

// ReplaceReference rebinds a single existing SafeReference to newTarget,
// without touching any other reference that shares its former target.
func (m *Manager) ReplaceReference(ref *SafeReference, newTarget any) {
	ref.bind(newTarget)
}

// ReplaceAllReferences migrates every SafeReference currently resolving to
// oldTarget so that it resolves to newTarget instead. Used when a section
// element is replaced wholesale (e.g. Section.SetElement).
func (m *Manager) ReplaceAllReferences(oldTarget, newTarget any) {
	refs := append([]*SafeReference(nil), m.rtargets[oldTarget]...)
	for _, ref := range refs {
		ref.bind(newTarget)
	}
}

func (m *Manager) removeFromRList(target any, ref *SafeReference) {
	list := m.rtargets[target]
	for i, r := range list {
		if r == ref {
			m.rtargets[target] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.rtargets[target]) == 0 {
		delete(m.rtargets, target)
	}
}

// InformDeletedSafePointable must be called when target is destroyed
// (e.g. a Section is removed from its Binary). Every SafeReference that
// was resolving to target is rewritten to nil rather than left dangling.
func (m *Manager) InformDeletedSafePointable(target any) {
	for _, ref := range m.rtargets[target] {
		ref.target = nil
		ref.resolved = false
		delete(m.rmap, ref)
	}
	delete(m.rtargets, target)
}

// InformDeletedSafePointer drops ref from every table it might still
// appear in. Called when a SafeReference itself goes out of scope early
// (e.g. an assembler creator's rollback undoes a reference it handed out).
func (m *Manager) InformDeletedSafePointer(ref *SafeReference) {
	if target, ok := m.rmap[ref]; ok {
		m.removeFromRList(target, ref)
		delete(m.rmap, ref)
	}
	for key, refs := range m.keyRefs {
		for i, r := range refs {
			if r == ref {
				m.keyRefs[key] = append(refs[:i], refs[i+1:]...)
				break
			}
		}
	}
}

// Resolve must be called once, at the end of reading a binary. Any key
// still missing a target is a fatal UnresolvedReference, except a
// SectionOffsetKey whose section is chunkable: those are materialized
// into a Chunk on demand via the Manager's chunkMaterializer.
func (m *Manager) Resolve() error {
	// Copy the key set first: materializing a chunk may itself call
	// AddObjectReference and mutate keyRefs.
	pending := make([]Key, 0, len(m.keyRefs))
	for k := range m.keyRefs {
		pending = append(pending, k)
	}
	for _, key := range pending {
		refs, ok := m.keyRefs[key]
		if !ok || len(refs) == 0 {
			continue
		}
		if key.kind == kindSO && m.chunkMaterializer != nil {
			target, err := m.chunkMaterializer(key.section, key.offset)
			if err != nil {
				return errors.Wrapf(err, "resolving %s", key)
			}
			if err := m.AddObjectReference(key, target); err != nil {
				return err
			}
			continue
		}
		return errors.Wrapf(ErrUnresolvedReference, "%s (%d pending references)", key, len(refs))
	}
	return nil
}

// Cleanup drops every table and invalidates every outstanding
// SafeReference, as required for a full teardown (spec.md §4.2).
func (m *Manager) Cleanup() {
	for ref := range m.rmap {
		ref.target = nil
		ref.resolved = false
	}
	m.keyTargets = make(map[Key]any)
	m.keyRefs = make(map[Key][]*SafeReference)
	m.rtargets = make(map[any][]*SafeReference)
	m.rmap = make(map[*SafeReference]any)
}

// PendingKeyCount reports the number of keys still awaiting a target;
// tests use this to assert Resolve leaves nothing outstanding when it
// should not.
func (m *Manager) PendingKeyCount() int {
	n := 0
	for _, refs := range m.keyRefs {
		if len(refs) > 0 {
			n++
		}
	}
	return n
}
