package asm

import (
	"fmt"

	"github.com/gmofishsauce/tpef/refmgr"
	"github.com/gmofishsauce/tpef/tpef"
)

// Assemble runs the full pipeline over source (spec.md §4.8): parse
// against machine's resource description, lower each CODE/DATA block
// through the matching section creator, then resolve and validate the
// resulting *tpef.Binary. Diagnostics accumulated while parsing or
// generating code are always returned, even when err is non-nil, so a
// caller can print warnings alongside a successful assembly or the full
// error list alongside a failed one.
func Assemble(source string, machine *Machine) (*tpef.Binary, *Diagnostics, error) {
	prog := Parse(source)
	diags := prog.Diags

	bin := tpef.New()
	bin.FileArch = tpef.ArchTTAMove

	strSec := &tpef.Section{Type: tpef.STStrTab}
	if err := bin.AddSection(strSec); err != nil {
		return bin, diags, err
	}
	strSec.StringToChunk("") // offset 0 is the empty string, spec.md §3.6

	aspaceSec := &tpef.Section{Type: tpef.STAddrSpace}
	if err := bin.AddSection(aspaceSec); err != nil {
		return bin, diags, err
	}
	aspaceSec.AddElement(&tpef.ASpaceElement{Undefined: true, NameChunk: strChunkRef(bin, strSec, "")})

	aspaceRefs := make(map[string]*refmgr.SafeReference)
	mauBits := make(map[string]int)
	for _, a := range machine.AddressSpaces {
		elem := &tpef.ASpaceElement{
			MAUBits:   a.MAUBits,
			Align:     a.Align,
			WordSize:  a.WordSize,
			NameChunk: strChunkRef(bin, strSec, a.Name),
		}
		aspaceSec.AddElement(elem)
		aspaceRefs[a.Name] = bin.Mgr.CreateForTarget(elem)
		mauBits[a.Name] = a.MAUBits
	}

	labels, err := NewLabelManager(bin, strSec)
	if err != nil {
		return bin, diags, err
	}

	undefinedElem, err := aspaceSec.Element(0)
	if err != nil {
		return bin, diags, err
	}
	mrm := NewMachineResourceManager(machine)
	undefinedRef := bin.Mgr.CreateForTarget(undefinedElem)
	if _, err := mrm.BuildResourceSection(bin, strSec, undefinedRef); err != nil {
		return bin, diags, err
	}
	dataCreator := NewDataSectionCreator(bin, labels, diags, aspaceRefs, mauBits)

	var codeCreator *CodeSectionCreator
	codeAspaceRef := aspaceRefs[machine.CodeAddressSpace]

	for _, sec := range prog.Sections {
		for _, dir := range sec.Directives {
			switch dir.Kind {
			case DirProcedure:
				labels.MarkProcedure(dir.Name, dir.Line)
			case DirGlobal:
				labels.MarkGlobal(dir.Name, dir.Line)
			}
		}

		if sec.Open.IsCode {
			if codeCreator == nil {
				cc, err := NewCodeSectionCreator(bin, codeAspaceRef, mrm, labels, diags)
				if err != nil {
					return bin, diags, err
				}
				codeCreator = cc
			}
			for _, cl := range sec.CodeLines {
				if err := codeCreator.ProcessLine(cl); err != nil {
					diags.Add(SeverityError, cl.Line, "", err.Error())
				}
			}
			continue
		}

		if err := dataCreator.ProcessSection(sec.Open, sec.DataLines); err != nil {
			diags.Add(SeverityError, sec.Open.Line, "", err.Error())
		}
	}

	if err := labels.Finalize(); err != nil {
		diags.Add(SeverityError, 0, "", err.Error())
		return bin, diags, err
	}
	if err := bin.Mgr.Resolve(); err != nil {
		return bin, diags, err
	}
	if err := bin.Validate(); err != nil {
		return bin, diags, err
	}
	if n := len(diags.Errors()); n > 0 {
		return bin, diags, fmt.Errorf("asm: %d error(s) while assembling", n)
	}
	return bin, diags, nil
}
