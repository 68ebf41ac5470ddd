package asm

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// RequestType tags what a resource lookup is being used for: reading a
// value off a bus, writing a value onto a bus, or testing a guard term
// (spec.md §4.8.2). The resource itself resolves the same way regardless
// of request; RequestType is carried through so a future permission check
// (e.g. a read-only port requested for a write) has something to inspect,
// and so diagnostics can say what the term was being used for.
type RequestType int

const (
	RequestRead RequestType = iota
	RequestWrite
	RequestGuard
	RequestInvGuard
)

func (r RequestType) String() string {
	switch r {
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	case RequestGuard:
		return "guard"
	case RequestInvGuard:
		return "inverted guard"
	default:
		return "unknown"
	}
}

// RegisterFileDef describes one target register file: its name, the
// width in bits of one register, and how many registers it holds.
type RegisterFileDef struct {
	Name  string
	Width int
	Size  int
}

// FunctionUnitDef describes one target function unit: its name and the
// operations it implements, each addressable as "unit.operation".
type FunctionUnitDef struct {
	Name       string
	Operations []string
}

// AddressSpaceDef describes one target address space: its MAU width, its
// required alignment, and the number of MAUs in one machine word.
type AddressSpaceDef struct {
	Name     string
	MAUBits  int
	Align    int
	WordSize int
}

// Machine is the target description the resource manager resolves
// symbolic operands against (spec.md §4.8.2, §7). BusWidth is the width
// in bits of every transport bus; spec.md leaves "bus width" for the
// universal bus unspecified beyond "fixed per machine", so this toolkit
// treats it as one configured constant checked against every move's
// source/destination width (see codegen.go). CodeAddressSpace names which
// AddressSpaceDef the assembled CODE section lives in.
type Machine struct {
	Name             string
	BusWidth         int
	CodeAddressSpace string
	AddressSpaces    []AddressSpaceDef
	RegisterFiles    []RegisterFileDef
	FunctionUnits    []FunctionUnitDef
}

type lookupKey struct {
	resource string
	slot     int
	req      RequestType
}

type lookupResult struct {
	fieldType tpef.FieldType
	unit      uint32
	index     uint32
	width     int
}

// MachineResourceManager maps the symbolic register/unit/port references
// a ParserMove carries to the TPEF (FieldType, unit, index) triple a
// MoveField needs, memoizing each (resource, slot, request) it has
// already resolved (spec.md §4.8.2).
type MachineResourceManager struct {
	machine *Machine
	cache   map[lookupKey]lookupResult
	unitIDs map[string]uint32
	nextID  uint32
}

// NewMachineResourceManager builds a resource manager bound to m.
func NewMachineResourceManager(m *Machine) *MachineResourceManager {
	return &MachineResourceManager{
		machine: m,
		cache:   make(map[lookupKey]lookupResult),
		unitIDs: make(map[string]uint32),
		nextID:  tpef.ResIDFloatRF + 1,
	}
}

// Lookup resolves term's dotted resource string in the context of slot
// (the bus position the move occupies this instruction) for the given
// request, returning the TPEF field type, the resolved unit id, the
// resolved index within that unit, and the resource's bit width.
//
// Supported resource shapes (spec.md §4.8.1's RegisterTerm):
//   - "prev" / "next": a bypass read/write of an adjacent bus's result,
//     resolved to FieldRF over the universal register file bypass port.
//   - "rf.i": register i of register file rf.
//   - "fu.op" or "fu.op.i": operation op (optionally with operand index
//     i) of function unit fu.
func (m *MachineResourceManager) Lookup(term RegisterTerm, slot int, req RequestType) (tpef.FieldType, uint32, uint32, int, error) {
	resource := term.Resource()
	key := lookupKey{resource: resource, slot: slot, req: req}
	if r, ok := m.cache[key]; ok {
		return r.fieldType, r.unit, r.index, r.width, nil
	}

	r, err := m.resolve(term)
	if err != nil {
		return tpef.FieldNull, 0, 0, 0, errors.Wrapf(ErrIllegalMachine, "%s (%s, slot %d): %v", resource, req, slot, err)
	}
	m.cache[key] = r
	return r.fieldType, r.unit, r.index, r.width, nil
}

func (m *MachineResourceManager) resolve(term RegisterTerm) (lookupResult, error) {
	if term.Kind == TermBus {
		return lookupResult{
			fieldType: tpef.FieldRF,
			unit:      tpef.ResIDUniversalFU,
			index:     0,
			width:     m.machine.BusWidth,
		}, nil
	}

	path := term.Path
	if len(path) < 2 {
		return lookupResult{}, fmt.Errorf("resource reference %q needs at least two components", term.Resource())
	}
	head, rest := path[0], path[1:]

	if rf, ok := m.findRegisterFile(head); ok {
		idx, err := parseRegisterIndex(rest[len(rest)-1])
		if err != nil {
			return lookupResult{}, err
		}
		if idx < 0 || idx >= rf.Size {
			return lookupResult{}, fmt.Errorf("register file %s has no register %d", rf.Name, idx)
		}
		return lookupResult{fieldType: tpef.FieldRF, unit: m.unitID(rf.Name), index: uint32(idx), width: rf.Width}, nil
	}

	if fu, ok := m.findFunctionUnit(head); ok {
		opName := rest[0]
		opIdx, ok := fu.operationIndex(opName)
		if !ok {
			return lookupResult{}, fmt.Errorf("function unit %s has no operation %q", fu.Name, opName)
		}
		return lookupResult{fieldType: tpef.FieldUnit, unit: m.unitID(fu.Name), index: uint32(opIdx), width: m.machine.BusWidth}, nil
	}

	return lookupResult{}, fmt.Errorf("machine %s has no register file or function unit %q", m.machine.Name, head)
}

func (m *MachineResourceManager) findRegisterFile(name string) (RegisterFileDef, bool) {
	for _, rf := range m.machine.RegisterFiles {
		if rf.Name == name {
			return rf, true
		}
	}
	return RegisterFileDef{}, false
}

func (m *MachineResourceManager) findFunctionUnit(name string) (FunctionUnitDef, bool) {
	for _, fu := range m.machine.FunctionUnits {
		if fu.Name == name {
			return fu, true
		}
	}
	return FunctionUnitDef{}, false
}

func (fu FunctionUnitDef) operationIndex(name string) (int, bool) {
	for i, op := range fu.Operations {
		if op == name {
			return i, true
		}
	}
	return 0, false
}

// unitID assigns a stable resource id to a register file or function unit
// name, first trying the reserved universal ids spec.md §3.4 names
// (ResIDIntegerRF, ResIDBoolRF, ResIDUniversalFU) for their conventional
// names, then handing out sequential ids above them for everything else,
// memoized so the same name always maps to the same id.
func (m *MachineResourceManager) unitID(name string) uint32 {
	if id, ok := m.unitIDs[name]; ok {
		return id
	}
	var id uint32
	switch name {
	case "int", "integer":
		id = tpef.ResIDIntegerRF
	case "bool", "predicate":
		id = tpef.ResIDBoolRF
	case "universal":
		id = tpef.ResIDUniversalFU
	default:
		id = m.nextID
		m.nextID++
	}
	m.unitIDs[name] = id
	return id
}

// BuildResourceSection emits the machine-resource table (spec.md §3.4,
// STMR) the disassembler needs to turn a MoveField's (unit, index) back
// into a name: the reserved universal resources plus one ResourceElement
// per declared register file and function unit, using the same ids
// unitID hands out to Lookup.
func (m *MachineResourceManager) BuildResourceSection(bin *tpef.Binary, strSec *tpef.Section, undefinedASpace *refmgr.SafeReference) (*tpef.Section, error) {
	sec := &tpef.Section{Type: tpef.STMR, ASpace: undefinedASpace, Link: strSec.ID}
	if err := bin.AddSection(sec); err != nil {
		return nil, err
	}
	add := func(id uint32, t tpef.ResourceType, name string) {
		sec.AddElement(&tpef.ResourceElement{ID: id, Type: t, NameChunk: strChunkRef(bin, strSec, name)})
	}
	add(tpef.ResIDIntegerRF, tpef.ResRF, "IntRF")
	add(tpef.ResIDBoolRF, tpef.ResRF, "BoolRF")
	add(tpef.ResIDUniversalFU, tpef.ResUnit, "universal_fu")
	add(tpef.ResIDUniversalBus, tpef.ResBus, "universal_bus")

	for _, rf := range m.machine.RegisterFiles {
		add(m.unitID(rf.Name), tpef.ResRF, rf.Name)
	}
	for _, fu := range m.machine.FunctionUnits {
		add(m.unitID(fu.Name), tpef.ResUnit, fu.Name)
	}
	return sec, nil
}

func parseRegisterIndex(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0, fmt.Errorf("expected a register/operand index, got %q", s)
	}
	return v, nil
}
