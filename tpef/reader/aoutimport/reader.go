package aoutimport

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/internal/bstream"
	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
	"github.com/gmofishsauce/tpef/tpef/reader"
)

func init() {
	reader.Register(aoutFormat{})
}

// aoutFormat implements reader.FormatReader for the legacy a.out object
// format (spec.md §4.7).
type aoutFormat struct{}

func (aoutFormat) IsMyStreamType(s *bstream.Stream) bool {
	start := s.ReadPosition()
	defer s.SetReadPosition(start)
	if _, err := s.ReadHalfWord(); err != nil { // reserved half-word
		return false
	}
	magic, err := s.ReadHalfWord()
	return err == nil && magic == omagic
}

// pendingAnnotation queues an N_ANN symbol until the code section exists.
type pendingAnnotation struct {
	instruction uint32
	id          uint32
	payload     []byte
}

func (aoutFormat) ReadData(s *bstream.Stream) (*tpef.Binary, error) {
	h, err := readHeader(s)
	if err != nil {
		return nil, errors.Wrap(err, "aoutimport: header")
	}

	b := tpef.New()
	b.FileType = tpef.FileSequentialObject
	b.FileArch = tpef.ArchTTAMove

	strSec := &tpef.Section{Type: tpef.STStrTab}
	if err := b.AddSection(strSec); err != nil {
		return nil, err
	}
	strSec.StringToChunk("") // reserve offset 0 for the empty string

	undefinedRef, codeASpaceRef, dataASpaceRef, err := buildAddressSpaces(b, strSec)
	if err != nil {
		return nil, err
	}

	resSec := &tpef.Section{Type: tpef.STMR, ASpace: undefinedRef, Link: strSec.ID}
	if err := b.AddSection(resSec); err != nil {
		return nil, err
	}
	addStandardResources(b, resSec, strSec)

	var codeSec *tpef.Section
	if h.TextSize > 0 {
		codeSec = &tpef.Section{Type: tpef.STCode, ASpace: codeASpaceRef}
		if err := b.AddSection(codeSec); err != nil {
			return nil, err
		}
		if err := decodeText(s, b, codeSec, h.TextSize); err != nil {
			return nil, errors.Wrap(err, "aoutimport: text")
		}
	}

	dataSec := &tpef.Section{Type: tpef.STData, ASpace: dataASpaceRef}
	if err := b.AddSection(dataSec); err != nil {
		return nil, err
	}
	if h.DataSize > 0 {
		data, err := s.ReadBytes(int(h.DataSize))
		if err != nil {
			return nil, errors.Wrap(err, "aoutimport: data")
		}
		dataSec.Data = data
		dataSec.Length = len(data)
	}

	udataSec := &tpef.Section{Type: tpef.STUData, Flags: tpef.FlagNoBits, ASpace: dataASpaceRef}
	if err := b.AddSection(udataSec); err != nil {
		return nil, err
	}
	if err := udataSec.SetDataLength(int(h.UDataSize)); err != nil {
		return nil, err
	}

	symTab := &tpef.Section{Type: tpef.STSymTab, ASpace: undefinedRef, Link: strSec.ID}
	if err := b.AddSection(symTab); err != nil {
		return nil, err
	}
	undef := &tpef.Symbol{
		Type:      tpef.SymNoType,
		Undefined: true,
		Owner:     b.Mgr.CreateForTarget(b.Sections[0]),
		NameChunk: strChunkRef(b, strSec, ""),
	}
	symTab.AddElement(undef)
	if err := b.Mgr.AddObjectReference(refmgr.SectionIndexKey(symTab.ID, 0), undef); err != nil {
		return nil, err
	}

	anns, err := readSymbols(s, b, h, strSec, resSec, symTab, codeSec, dataSec, udataSec)
	if err != nil {
		return nil, errors.Wrap(err, "aoutimport: symbols")
	}
	if codeSec != nil {
		for _, a := range anns {
			if int(a.instruction) >= codeSec.ElementCount() {
				continue
			}
			e, _ := codeSec.Element(int(a.instruction))
			inst := e.(*tpef.InstructionElement)
			inst.Annotations = append(inst.Annotations, tpef.Annotation{ID: a.id, Payload: a.payload})
		}
	}

	if h.TextRelocSize > 0 && codeSec != nil {
		textReloc := &tpef.Section{Type: tpef.STReloc, ASpace: undefinedRef, Link: symTab.ID, ReferencedSection: codeSec.ID}
		if err := b.AddSection(textReloc); err != nil {
			return nil, err
		}
		if err := decodeRelocs(s, b, textReloc, symTab, h.TextRelocSize, codeASpaceRef); err != nil {
			return nil, errors.Wrap(err, "aoutimport: text relocs")
		}
	}
	if h.DataRelocSize > 0 {
		dataReloc := &tpef.Section{Type: tpef.STReloc, ASpace: undefinedRef, Link: symTab.ID, ReferencedSection: dataSec.ID}
		if err := b.AddSection(dataReloc); err != nil {
			return nil, err
		}
		if err := decodeRelocs(s, b, dataReloc, symTab, h.DataRelocSize, dataASpaceRef); err != nil {
			return nil, errors.Wrap(err, "aoutimport: data relocs")
		}
	}

	if err := b.Mgr.Resolve(); err != nil {
		return nil, errors.Wrap(err, "aoutimport: resolve")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func readHeader(s *bstream.Stream) (header, error) {
	var h header
	if _, err := s.ReadHalfWord(); err != nil { // reserved
		return h, err
	}
	magic, err := s.ReadHalfWord()
	if err != nil {
		return h, err
	}
	if magic != omagic {
		return h, errors.New("aoutimport: bad OMAGIC")
	}
	if h.TextSize, err = s.ReadWord(); err != nil {
		return h, err
	}
	if h.DataSize, err = s.ReadWord(); err != nil {
		return h, err
	}
	if h.UDataSize, err = s.ReadWord(); err != nil {
		return h, err
	}
	if h.SymbolSize, err = s.ReadWord(); err != nil {
		return h, err
	}
	if _, err := s.ReadWord(); err != nil { // entry point, ignored
		return h, err
	}
	if h.TextRelocSize, err = s.ReadWord(); err != nil {
		return h, err
	}
	if h.DataRelocSize, err = s.ReadWord(); err != nil {
		return h, err
	}
	return h, nil
}

// buildAddressSpaces creates the address-space section with the
// distinguished undefined aspace TPEF's general invariant requires, plus
// the two domain address spaces a.out import always uses (spec.md §4.7,
// §9: "hard-codes MAU=8 ... must be preserved"). strSec is the binary's
// one string table, shared by every section that needs names.
func buildAddressSpaces(b *tpef.Binary, strSec *tpef.Section) (undefinedRef, codeRef, dataRef *refmgr.SafeReference, err error) {
	sec := &tpef.Section{Type: tpef.STAddrSpace, Link: strSec.ID}
	if err := b.AddSection(sec); err != nil {
		return nil, nil, nil, err
	}

	undefined := &tpef.ASpaceElement{Undefined: true, NameChunk: strChunkRef(b, strSec, "")}
	sec.AddElement(undefined)
	if err := b.Mgr.AddObjectReference(refmgr.SectionIndexKey(sec.ID, 0), undefined); err != nil {
		return nil, nil, nil, err
	}
	undefinedRef = b.Mgr.CreateForTarget(undefined)
	sec.ASpace = undefinedRef

	code := &tpef.ASpaceElement{MAUBits: aoutMAUBits, Align: aoutWordAlign, WordSize: aoutWordSize, NameChunk: strChunkRef(b, strSec, codeASpaceName)}
	sec.AddElement(code)
	if err := b.Mgr.AddObjectReference(refmgr.SectionIndexKey(sec.ID, 1), code); err != nil {
		return nil, nil, nil, err
	}
	codeRef = b.Mgr.CreateForTarget(code)

	data := &tpef.ASpaceElement{MAUBits: aoutMAUBits, Align: aoutWordAlign, WordSize: aoutWordSize, NameChunk: strChunkRef(b, strSec, dataASpaceName)}
	sec.AddElement(data)
	if err := b.Mgr.AddObjectReference(refmgr.SectionIndexKey(sec.ID, 2), data); err != nil {
		return nil, nil, nil, err
	}
	dataRef = b.Mgr.CreateForTarget(data)

	return undefinedRef, codeRef, dataRef, nil
}

func strChunkRef(b *tpef.Binary, strSec *tpef.Section, name string) *refmgr.SafeReference {
	return b.Mgr.CreateForTarget(strSec.StringToChunk(name))
}

func addStandardResources(b *tpef.Binary, resSec, strSec *tpef.Section) {
	add := func(id uint32, t tpef.ResourceType, name string) {
		resSec.AddElement(&tpef.ResourceElement{ID: id, Type: t, NameChunk: strChunkRef(b, strSec, name)})
	}
	add(tpef.ResIDIntegerRF, tpef.ResRF, "IntRF")
	add(tpef.ResIDBoolRF, tpef.ResRF, "BoolRF")
	add(tpef.ResIDUniversalFU, tpef.ResUnit, "universal_fu")
	add(tpef.ResIDUniversalBus, tpef.ResBus, "universal_bus")
}

// decodeText turns a.out text bytes into one-move-per-slot bundles. The
// a.out format fixes 8 bytes per instruction slot (spec.md §6.2) but
// leaves the intra-slot encoding unspecified beyond that; this importer's
// own layout is bus(1) / srcUnit(1) / srcIndex(2) / dstUnit(1) /
// dstIndex(2) / flags(1, bit0 = empty move), one move per slot. Classic
// a.out text carries no guard information, so every decoded move is
// unguarded.
func decodeText(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section, size uint32) error {
	count := int(size) / aoutInstructionSize
	for i := 0; i < count; i++ {
		bus, err := s.ReadByte()
		if err != nil {
			return err
		}
		srcUnit, err := s.ReadByte()
		if err != nil {
			return err
		}
		srcIndex, err := s.ReadHalfWord()
		if err != nil {
			return err
		}
		dstUnit, err := s.ReadByte()
		if err != nil {
			return err
		}
		dstIndex, err := s.ReadHalfWord()
		if err != nil {
			return err
		}
		flags, err := s.ReadByte()
		if err != nil {
			return err
		}
		inst := &tpef.InstructionElement{
			IsMove: true,
			Begin:  true,
			Move: &tpef.MoveElement{
				Bus:         uint32(bus),
				Source:      tpef.MoveField{Type: tpef.FieldUnit, Unit: uint32(srcUnit), Index: uint32(srcIndex)},
				Destination: tpef.MoveField{Type: tpef.FieldUnit, Unit: uint32(dstUnit), Index: uint32(dstIndex)},
				Empty:       flags&1 != 0,
			},
		}
		sec.AddElement(inst)
		if err := b.Mgr.AddObjectReference(refmgr.SectionIndexKey(sec.ID, uint32(i)), inst); err != nil {
			return err
		}
	}
	return nil
}

// readSymbols walks the a.out symbol table, classifying each entry per
// spec.md §4.7: regular symbols are emitted into symTab; N_PRTAB entries
// feed the operation-id resource table and per-module remap tables;
// N_ANN entries are returned for the caller to attach once the code
// section is known; everything else becomes a debug stab carried
// unchanged.
func readSymbols(s *bstream.Stream, b *tpef.Binary, h header, strSec, resSec, symTab *tpef.Section, codeSec, dataSec, udataSec *tpef.Section) ([]pendingAnnotation, error) {
	debugSec := &tpef.Section{Type: tpef.STDebug, ASpace: symTab.ASpace, Link: strSec.ID}
	if err := b.AddSection(debugSec); err != nil {
		return nil, err
	}

	// The raw nlist records address names by offset into a string-table
	// blob that follows them in the stream, not into strSec (which this
	// importer is still building). Read that blob first, then rewind to
	// decode the nlist records in place.
	nlistStart := s.ReadPosition()
	s.SetReadPosition(nlistStart + int(h.SymbolSize))
	strTab, err := readStringTable(s)
	if err != nil {
		return nil, errors.Wrap(err, "string table")
	}
	s.SetReadPosition(nlistStart)

	var modules []*compilationModule
	currentRemap := func() map[uint32]uint32 {
		if len(modules) == 0 {
			return nil
		}
		return modules[len(modules)-1].Remap
	}
	resolved := map[string]uint32{}
	var anns []pendingAnnotation
	nextSymIndex := uint32(1)
	nextResourceID := uint32(0x83) // first free id above the standard reserved resources

	count := int(h.SymbolSize) / nlistRecordSize
	for i := 0; i < count; i++ {
		rec, err := readNlist(s)
		if err != nil {
			return nil, err
		}
		name, _ := readStrAt(strTab, rec.StrOffset)

		// N_FN (0x1F) already occupies the bit nExt uses on every other
		// type, so it must be matched before masking that bit off.
		if rec.Type == nFn {
			sym := &tpef.Symbol{Type: tpef.SymFile, NameChunk: strChunkRef(b, strSec, name), Owner: b.Mgr.CreateForTarget(b.Sections[0])}
			addSymbol(b, symTab, sym, &nextSymIndex)
			continue
		}

		baseType := rec.Type &^ nExt
		global := rec.Type&nExt != 0

		switch baseType {
		case nUndf:
			continue // a second undefined symbol carries no information here
		case nText:
			if codeSec == nil {
				continue
			}
			if name == gccModuleStartSymbol1 || name == gccModuleStartSymbol2 {
				modules = append(modules, &compilationModule{
					StartInstruction: rec.Value / aoutInstructionSize,
					Remap:            map[uint32]uint32{},
				})
				sym := &tpef.Symbol{Type: tpef.SymFile, NameChunk: strChunkRef(b, strSec, name), Owner: b.Mgr.CreateForTarget(b.Sections[0])}
				addSymbol(b, symTab, sym, &nextSymIndex)
				continue
			}
			idx := rec.Value / aoutInstructionSize
			sym := &tpef.Symbol{
				Type:        tpef.SymCode,
				Binding:     bindingOf(global),
				NameChunk:   strChunkRef(b, strSec, name),
				Owner:       b.Mgr.CreateForTarget(codeSec),
				Instruction: b.Mgr.CreateForKey(refmgr.SectionIndexKey(codeSec.ID, idx)),
				Size:        1,
			}
			addSymbol(b, symTab, sym, &nextSymIndex)
		case nData, nBss:
			owner := dataSec
			if baseType == nBss {
				owner = udataSec
			}
			off := rec.Value
			if baseType == nData {
				off -= h.TextSize
			} else {
				off -= h.TextSize + h.DataSize
			}
			sym := &tpef.Symbol{
				Type:      tpef.SymData,
				Binding:   bindingOf(global),
				NameChunk: strChunkRef(b, strSec, name),
				Owner:     b.Mgr.CreateForTarget(owner),
				DataChunk: b.Mgr.CreateForKey(refmgr.SectionOffsetKey(owner.ID, off)),
				Size:      4,
			}
			addSymbol(b, symTab, sym, &nextSymIndex)
		case nPRTab:
			if prev, ok := resolved[name]; ok {
				if prev != rec.Value {
					if remap := currentRemap(); remap != nil {
						remap[rec.Value] = prev
					}
				}
			} else {
				resolved[name] = rec.Value
				if rec.Value >= nextResourceID {
					resSec.AddElement(&tpef.ResourceElement{ID: rec.Value, Type: tpef.ResOperand, NameChunk: strChunkRef(b, strSec, name)})
				}
			}
		case nAnn:
			id, payload, ok := parseAnnotation(name)
			if ok {
				anns = append(anns, pendingAnnotation{instruction: rec.Value / aoutInstructionSize, id: id, payload: payload})
			}
		default:
			stab := &tpef.DebugElement{
				Type:        tpef.DebugStab,
				StabType:    int(rec.Type),
				Other:       int(rec.Other),
				Description: int(rec.Desc),
				Value:       rec.Value,
				StringChunk: strChunkRef(b, strSec, name),
			}
			debugSec.AddElement(stab)
		}
	}

	if codeSec != nil {
		applyRemaps(codeSec, modules)
	}

	// The lookahead read of the string table above was rewound so the
	// nlist loop could replay from its start; skip back over that blob
	// now so the caller's next read (relocations) resumes at the right
	// file offset.
	s.SetReadPosition(nlistStart + int(h.SymbolSize) + 4 + len(strTab))
	return anns, nil
}

func addSymbol(b *tpef.Binary, symTab *tpef.Section, sym *tpef.Symbol, nextIndex *uint32) {
	symTab.AddElement(sym)
	_ = b.Mgr.AddObjectReference(refmgr.SectionIndexKey(symTab.ID, *nextIndex), sym)
	*nextIndex++
}

func bindingOf(global bool) tpef.SymbolBinding {
	if global {
		return tpef.BindGlobal
	}
	return tpef.BindLocal
}

func readNlist(s *bstream.Stream) (nlistRecord, error) {
	var r nlistRecord
	var err error
	if r.StrOffset, err = s.ReadWord(); err != nil {
		return r, err
	}
	if r.Type, err = s.ReadByte(); err != nil {
		return r, err
	}
	if r.Other, err = s.ReadByte(); err != nil {
		return r, err
	}
	if r.Desc, err = s.ReadHalfWord(); err != nil {
		return r, err
	}
	if r.Value, err = s.ReadWord(); err != nil {
		return r, err
	}
	return r, nil
}

// readStringTable decodes the string-table blob this importer's nlist
// records address: a leading word giving the blob's total size
// (including that word itself, the classic a.out convention), followed
// by the remaining bytes.
func readStringTable(s *bstream.Stream) ([]byte, error) {
	size, err := s.ReadWord()
	if err != nil {
		return nil, err
	}
	if size < 4 {
		return nil, errors.Errorf("aoutimport: string table size %d too small", size)
	}
	return s.ReadBytes(int(size - 4))
}

// readStrAt decodes the NUL-terminated name starting at offset within the
// raw string-table blob.
func readStrAt(strTab []byte, offset uint32) (string, error) {
	if int(offset) >= len(strTab) {
		return "", errors.Errorf("aoutimport: string offset %d out of range", offset)
	}
	end := int(offset)
	for end < len(strTab) && strTab[end] != 0 {
		end++
	}
	if end >= len(strTab) {
		return "", errors.New("aoutimport: unterminated string")
	}
	return string(strTab[offset:end]), nil
}

// parseAnnotation decodes the "IDDDDDDDDDD:payload" form spec.md §4.7
// names: 10 hex digits, a colon, then the raw payload bytes.
func parseAnnotation(s string) (uint32, []byte, bool) {
	idx := strings.IndexByte(s, ':')
	if idx != 10 {
		return 0, nil, false
	}
	id, err := strconv.ParseUint(s[:idx], 16, 32)
	if err != nil {
		return 0, nil, false
	}
	return uint32(id), []byte(s[idx+1:]), true
}

// applyRemaps rewrites, within each compilation module's instruction
// range, every move field addressing the universal FU whose index has a
// recorded remap (spec.md §4.7's operation-id clash resolution).
func applyRemaps(codeSec *tpef.Section, modules []*compilationModule) {
	for mi, m := range modules {
		end := uint32(codeSec.ElementCount())
		if mi+1 < len(modules) {
			end = modules[mi+1].StartInstruction
		}
		if len(m.Remap) == 0 {
			continue
		}
		for i := m.StartInstruction; i < end && int(i) < codeSec.ElementCount(); i++ {
			e, _ := codeSec.Element(int(i))
			inst, ok := e.(*tpef.InstructionElement)
			if !ok || !inst.IsMove {
				continue
			}
			remapField(&inst.Move.Source, m.Remap)
			remapField(&inst.Move.Destination, m.Remap)
		}
	}
}

func remapField(f *tpef.MoveField, remap map[uint32]uint32) {
	if f.Unit != tpef.ResIDUniversalFU {
		return
	}
	if v, ok := remap[f.Index]; ok {
		f.Index = v
	}
}

// decodeRelocs reads this importer's relocation record shape (types.go's
// relocRecord) and builds relocations against already-emitted symbols,
// reusing each symbol's own resolved Instruction/DataChunk target as the
// relocation's destination. SymIndex addresses this importer's own
// synthesized symbol table (its order of emission), not a raw a.out
// symbol-table offset, since this relocation record shape is this
// importer's own design rather than a decoded legacy layout.
func decodeRelocs(s *bstream.Stream, b *tpef.Binary, sec *tpef.Section, symTab *tpef.Section, size uint32, aspace *refmgr.SafeReference) error {
	count := int(size) / relocRecordSize
	locSec := b.SectionByID(sec.ReferencedSection)
	for i := 0; i < count; i++ {
		address, err := s.ReadWord()
		if err != nil {
			return err
		}
		symIndex, err := s.ReadWord()
		if err != nil {
			return err
		}
		lengthLog2, err := s.ReadByte()
		if err != nil {
			return err
		}
		flags, err := s.ReadByte()
		if err != nil {
			return err
		}

		locChunked := locSec.IsChunkable()
		locValue := address
		if !locChunked {
			locValue = address / aoutInstructionSize
		}

		var locKey refmgr.Key
		if locChunked {
			locKey = refmgr.SectionOffsetKey(locSec.ID, locValue)
		} else {
			locKey = refmgr.SectionIndexKey(locSec.ID, locValue)
		}

		symRef := b.Mgr.CreateForKey(refmgr.SectionIndexKey(symTab.ID, symIndex))
		symAny, resolved := symRef.Target()
		sym, _ := symAny.(*tpef.Symbol)

		var destRef *refmgr.SafeReference
		switch {
		case resolved && sym != nil && sym.Type == tpef.SymData:
			destRef = sym.DataChunk
		case resolved && sym != nil && (sym.Type == tpef.SymCode || sym.Type == tpef.SymProcedure):
			destRef = sym.Instruction
		default:
			destRef = b.Mgr.CreateForKey(locKey)
		}

		rel := &tpef.RelocationElement{
			Type:        tpef.RelocNone,
			SizeBits:    8 << lengthLog2,
			Location:    b.Mgr.CreateForKey(locKey),
			Destination: destRef,
			DestASpace:  aspace,
			Symbol:      symRef,
			Chunked:     locChunked,
		}
		if flags&1 != 0 {
			rel.Type = tpef.RelocPCRel
		}
		sec.AddElement(rel)
	}
	return nil
}
