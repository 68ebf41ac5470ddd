// Package asm is the assembler pipeline (spec.md §4.8): a hand-written
// lexer and parser over the source syntax in spec.md §6.3, a machine
// resource manager mapping symbolic operands to TPEF resource ids, and
// code/data section creators plus a label manager that assemble a
// *tpef.Binary from the parsed source.
package asm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIllegalMachine is returned by the machine resource manager when a
// parsed operand names a register file, function unit, port or
// operation that the target machine does not have (spec.md §7).
var ErrIllegalMachine = errors.New("asm: illegal machine reference")

// CompileError is the assembler's error kind (spec.md §7): it carries the
// source line and wraps whatever lower-level cause triggered it. Snippet
// holds the offending source text only where the raising site has that
// text at hand; most code and data lowering errors leave it empty.
type CompileError struct {
	Line    int
	Snippet string
	Cause   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("asm: line %d: %s: %v", e.Line, e.Snippet, e.Cause)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

func newCompileError(line int, snippet string, cause error) *CompileError {
	return &CompileError{Line: line, Snippet: snippet, Cause: cause}
}

// MoveKind tags which of the three shapes a ParserMove is (spec.md
// §4.8.1).
type MoveKind int

const (
	MoveEmpty MoveKind = iota
	MoveLongImmediate
	MoveTransport
)

// RegisterTermKind tags which of the three RegisterTerm shapes
// spec.md §4.8.1 names a term takes.
type RegisterTermKind int

const (
	TermBus   RegisterTermKind = iota // {prev|next}
	TermFU                            // unit.port[.operation]
	TermIndex                         // rf[.port].i or fu.op.i
)

// RegisterTerm is one parsed register/port/operation reference
// (spec.md §4.8.1). Resource returns the dotted resource string the
// machine resource manager resolves.
type RegisterTerm struct {
	Kind RegisterTermKind
	Bus  string   // "prev" or "next", set when Kind == TermBus
	Path []string // dotted path components, set when Kind != TermBus
	Line int
}

// Resource renders the term back into the dotted string the machine
// resource manager looks up.
func (t RegisterTerm) Resource() string {
	if t.Kind == TermBus {
		return t.Bus
	}
	out := t.Path[0]
	for _, p := range t.Path[1:] {
		out += "." + p
	}
	return out
}

// Expression is a symbol reference with an optional signed offset and
// an optional resolved literal (spec.md §4.8.1). A pure literal has an
// empty Symbol and HasResolved false; Literal carries its value.
type Expression struct {
	Symbol       string
	HasOffset    bool
	Offset       int64
	HasResolved  bool
	Resolved     int64
	Literal      int64
	IsPureLiteral bool
	Line         int
}

// GuardTerm is a move's optional predicate: a register term and whether
// it is negated with `!`.
type GuardTerm struct {
	Inverted bool
	Term     RegisterTerm
}

// ParsedAnnotation is one `{hex-id [fields...]}` annotation attached to
// a move or long immediate in source (spec.md §6.3).
type ParsedAnnotation struct {
	ID     uint32
	Fields []string
}

// ParserMove is one parsed code-line operation (spec.md §4.8.1): empty,
// long-immediate, or transport, carrying an optional guard, its
// resolved operands and any annotations.
type ParserMove struct {
	Kind  MoveKind
	Line  int
	Guard *GuardTerm

	// Transport fields.
	SourceTerm *RegisterTerm // nil if the source is an immediate/expression
	SourceExpr *Expression   // nil if the source is a register term
	Dest       *RegisterTerm

	// Long-immediate fields (Dest above is reused for the destination
	// unit in this case too).
	Value *Expression

	Annotations []ParsedAnnotation
}

// InitDataField is one `[width:]literal-or-expression` data-line field
// (spec.md §4.8.1). Width 0 means "use the natural encoded width".
type InitDataField struct {
	Width int
	Value Expression
}

// DataLine is one parsed `DA` statement (spec.md §4.8.1).
type DataLine struct {
	AddressSpace string
	WidthMAUs    int
	Fields       []InitDataField
	Labels       []string
	Line         int
}

// Directive is one `:procedure name;` or `:global name;` declaration.
type Directive struct {
	Kind DirectiveKind
	Name string
	Line int
}

// DirectiveKind tags the two directive forms spec.md §6.3 names.
type DirectiveKind int

const (
	DirProcedure DirectiveKind = iota
	DirGlobal
)

// CodeLine is one parsed code statement: optional labels, a list of
// parallel moves (one per bus position, comma-separated), and a source
// line.
type CodeLine struct {
	Labels []string
	Moves  []ParserMove
	Line   int
}

// SectionOpen is a `CODE [start];` or `DATA <aspace> [start];` statement.
type SectionOpen struct {
	IsCode       bool
	AddressSpace string // set for DATA
	HasStart     bool
	Start        int64
	Line         int
}

// Program is the parser's full output: the ordered statement stream
// plus the diagnostic store accumulated while producing it.
type Program struct {
	Sections []ProgramSection
	Diags    *Diagnostics
}

// ProgramSection groups one CODE/DATA block's statements together.
type ProgramSection struct {
	Open      SectionOpen
	CodeLines []CodeLine
	DataLines []DataLine
	Directives []Directive
}
