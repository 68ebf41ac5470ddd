package asm

import "fmt"

// parser turns a token stream from the lexer into a Program, recording
// malformed statements as diagnostics and skipping to the next `;` so one
// bad line doesn't abort the whole file (spec.md §4.8.1).
type parser struct {
	lex   *lexer
	diags *Diagnostics
}

// Parse runs the full assembler front end over source and returns the
// parsed Program plus its diagnostic store.
func Parse(source string) *Program {
	p := &parser{lex: newLexer(source), diags: NewDiagnostics()}
	prog := &Program{Diags: p.diags}
	var cur *ProgramSection

	for p.cur().kind != tokEOF {
		tok := p.cur()
		switch {
		case tok.kind == tokIdent && (tok.text == "CODE" || tok.text == "DATA"):
			open, err := p.parseSectionOpen()
			if err != nil {
				p.recover(err)
				continue
			}
			prog.Sections = append(prog.Sections, ProgramSection{Open: open})
			cur = &prog.Sections[len(prog.Sections)-1]
		case tok.kind == tokColon:
			dir, err := p.parseDirective()
			if err != nil {
				p.recover(err)
				continue
			}
			if cur == nil {
				p.diags.Add(SeverityError, dir.Line, "", "directive outside any CODE/DATA section")
				continue
			}
			cur.Directives = append(cur.Directives, dir)
		default:
			if cur == nil {
				p.diags.Add(SeverityError, tok.line, tok.text, "statement outside any CODE/DATA section")
				p.skipStatement()
				continue
			}
			if cur.Open.IsCode {
				cl, err := p.parseCodeLine()
				if err != nil {
					p.recover(err)
					continue
				}
				cur.CodeLines = append(cur.CodeLines, cl)
			} else {
				dl, err := p.parseDataLine()
				if err != nil {
					p.recover(err)
					continue
				}
				dl.AddressSpace = cur.Open.AddressSpace
				cur.DataLines = append(cur.DataLines, dl)
			}
		}
	}
	return prog
}

func (p *parser) cur() token        { return p.lex.peek() }
func (p *parser) advance() token    { return p.lex.next() }
func (p *parser) peekAhead(n int) token {
	idx := p.lex.pos + n
	if idx >= len(p.lex.toks) {
		idx = len(p.lex.toks) - 1
	}
	return p.lex.toks[idx]
}

func (p *parser) recover(err error) {
	tok := p.cur()
	p.diags.Add(SeverityError, tok.line, tok.text, err.Error())
	p.skipStatement()
}

func (p *parser) skipStatement() {
	for p.cur().kind != tokSemicolon && p.cur().kind != tokEOF {
		p.advance()
	}
	if p.cur().kind == tokSemicolon {
		p.advance()
	}
}

func (p *parser) parseSectionOpen() (SectionOpen, error) {
	tok := p.advance() // CODE or DATA
	open := SectionOpen{IsCode: tok.text == "CODE", Line: tok.line}
	if !open.IsCode {
		if p.cur().kind != tokIdent {
			return open, fmt.Errorf("expected address space name after DATA")
		}
		open.AddressSpace = p.cur().text
		p.advance()
	}
	if p.cur().kind == tokNumber {
		open.HasStart = true
		open.Start = p.cur().intval
		p.advance()
	}
	if p.cur().kind != tokSemicolon {
		return open, fmt.Errorf("expected ';' after section open")
	}
	p.advance()
	return open, nil
}

func (p *parser) parseDirective() (Directive, error) {
	p.advance() // consume ':'
	if p.cur().kind != tokIdent {
		return Directive{}, fmt.Errorf("expected directive name after ':'")
	}
	name := p.cur().text
	line := p.cur().line
	p.advance()
	var kind DirectiveKind
	switch name {
	case "procedure":
		kind = DirProcedure
	case "global":
		kind = DirGlobal
	default:
		return Directive{}, fmt.Errorf("unknown directive %q", name)
	}
	if p.cur().kind != tokIdent {
		return Directive{}, fmt.Errorf("expected name after :%s", name)
	}
	target := p.cur().text
	p.advance()
	if p.cur().kind != tokSemicolon {
		return Directive{}, fmt.Errorf("expected ';' after directive")
	}
	p.advance()
	return Directive{Kind: kind, Name: target, Line: line}, nil
}

func (p *parser) parseCodeLine() (CodeLine, error) {
	line := p.cur().line
	var labels []string
	for p.cur().kind == tokIdent && p.peekAhead(1).kind == tokColon {
		labels = append(labels, p.cur().text)
		p.advance()
		p.advance()
	}
	var moves []ParserMove
	if p.cur().kind == tokEllipsis {
		p.advance()
		moves = append(moves, ParserMove{Kind: MoveEmpty, Line: line})
	} else {
		for {
			mv, err := p.parseMoveUnit()
			if err != nil {
				return CodeLine{}, err
			}
			moves = append(moves, mv)
			if p.cur().kind == tokComma {
				p.advance()
				continue
			}
			break
		}
	}
	if p.cur().kind != tokSemicolon {
		return CodeLine{}, fmt.Errorf("expected ';' to end code line")
	}
	p.advance()
	return CodeLine{Labels: labels, Moves: moves, Line: line}, nil
}

func (p *parser) parseMoveUnit() (ParserMove, error) {
	line := p.cur().line
	if p.cur().kind == tokEllipsis {
		p.advance()
		return ParserMove{Kind: MoveEmpty, Line: line}, nil
	}

	var guard *GuardTerm
	if p.cur().kind == tokQuestion || p.cur().kind == tokBang {
		inverted := p.cur().kind == tokBang
		p.advance()
		term, isTerm, err := p.parsePrimary()
		if err != nil {
			return ParserMove{}, err
		}
		if !isTerm {
			return ParserMove{}, fmt.Errorf("guard must be a register/port reference")
		}
		guard = &GuardTerm{Inverted: inverted, Term: term.(RegisterTerm)}
	}

	leftAny, leftIsTerm, err := p.parsePrimary()
	if err != nil {
		return ParserMove{}, err
	}

	switch p.cur().kind {
	case tokArrow:
		p.advance()
		destAny, destIsTerm, err := p.parsePrimary()
		if err != nil {
			return ParserMove{}, err
		}
		if !destIsTerm {
			return ParserMove{}, fmt.Errorf("move destination must be a register/port reference")
		}
		dest := destAny.(RegisterTerm)
		pm := ParserMove{Kind: MoveTransport, Guard: guard, Dest: &dest, Line: line}
		if leftIsTerm {
			t := leftAny.(RegisterTerm)
			pm.SourceTerm = &t
		} else {
			e := leftAny.(Expression)
			pm.SourceExpr = &e
		}
		pm.Annotations = p.parseAnnotations()
		return pm, nil
	case tokEquals:
		if !leftIsTerm {
			return ParserMove{}, fmt.Errorf("long immediate destination must be a register/port reference")
		}
		dest := leftAny.(RegisterTerm)
		p.advance()
		val, err := p.parseExpression()
		if err != nil {
			return ParserMove{}, err
		}
		pm := ParserMove{Kind: MoveLongImmediate, Guard: guard, Dest: &dest, Value: &val, Line: line}
		pm.Annotations = p.parseAnnotations()
		return pm, nil
	default:
		return ParserMove{}, fmt.Errorf("expected '->' or '=' after operand")
	}
}

// parsePrimary parses either a RegisterTerm (bus keyword or dotted
// path) or an Expression (numeric literal or symbol[+-off][=lit]),
// returning which kind it produced.
func (p *parser) parsePrimary() (any, bool, error) {
	tok := p.cur()
	if tok.kind == tokNumber {
		p.advance()
		return Expression{IsPureLiteral: true, Literal: tok.intval, Line: tok.line}, false, nil
	}
	if tok.kind != tokIdent {
		return nil, false, fmt.Errorf("unexpected token %q", tok.text)
	}
	name := tok.text
	line := tok.line
	p.advance()
	if name == "prev" || name == "next" {
		return RegisterTerm{Kind: TermBus, Bus: name, Line: line}, true, nil
	}
	if p.cur().kind == tokDot {
		path := []string{name}
		for p.cur().kind == tokDot {
			p.advance()
			if p.cur().kind != tokIdent && p.cur().kind != tokNumber {
				return nil, false, fmt.Errorf("expected path component after '.'")
			}
			path = append(path, p.cur().text)
			p.advance()
		}
		return RegisterTerm{Kind: TermIndex, Path: path, Line: line}, true, nil
	}
	expr := Expression{Symbol: name, Line: line}
	if p.cur().kind == tokPlus || p.cur().kind == tokMinus {
		neg := p.cur().kind == tokMinus
		p.advance()
		if p.cur().kind != tokNumber {
			return nil, false, fmt.Errorf("expected number after %s", map[bool]string{true: "-", false: "+"}[neg])
		}
		v := p.cur().intval
		if neg {
			v = -v
		}
		expr.HasOffset = true
		expr.Offset = v
		p.advance()
	} else if p.cur().kind == tokNumber && p.cur().intval < 0 {
		// The lexer reads "name-4" as name followed by the number -4.
		expr.HasOffset = true
		expr.Offset = p.cur().intval
		p.advance()
	}
	if p.cur().kind == tokEquals {
		p.advance()
		if p.cur().kind != tokNumber {
			return nil, false, fmt.Errorf("expected literal after '='")
		}
		expr.HasResolved = true
		expr.Resolved = p.cur().intval
		p.advance()
	}
	return expr, false, nil
}

func (p *parser) parseExpression() (Expression, error) {
	v, isTerm, err := p.parsePrimary()
	if err != nil {
		return Expression{}, err
	}
	if isTerm {
		return Expression{}, fmt.Errorf("expected literal or symbol, got a register reference")
	}
	return v.(Expression), nil
}

func (p *parser) parseAnnotations() []ParsedAnnotation {
	var anns []ParsedAnnotation
	for p.cur().kind == tokLBrace {
		p.advance()
		var ann ParsedAnnotation
		if p.cur().kind == tokNumber {
			ann.ID = uint32(p.cur().intval)
			p.advance()
		}
		for p.cur().kind != tokRBrace && p.cur().kind != tokEOF && p.cur().kind != tokSemicolon {
			ann.Fields = append(ann.Fields, p.cur().text)
			p.advance()
		}
		if p.cur().kind == tokRBrace {
			p.advance()
		}
		anns = append(anns, ann)
	}
	return anns
}

func (p *parser) parseDataLine() (DataLine, error) {
	line := p.cur().line
	var labels []string
	for p.cur().kind == tokIdent && p.peekAhead(1).kind == tokColon {
		labels = append(labels, p.cur().text)
		p.advance()
		p.advance()
	}
	if p.cur().kind != tokIdent || p.cur().text != "DA" {
		return DataLine{}, fmt.Errorf("expected DA")
	}
	p.advance()
	if p.cur().kind != tokNumber {
		return DataLine{}, fmt.Errorf("expected width after DA")
	}
	width := int(p.cur().intval)
	p.advance()
	var fields []InitDataField
	for p.cur().kind != tokSemicolon && p.cur().kind != tokEOF {
		f, err := p.parseInitField()
		if err != nil {
			return DataLine{}, err
		}
		fields = append(fields, f)
		if p.cur().kind == tokComma {
			p.advance()
		}
	}
	if p.cur().kind != tokSemicolon {
		return DataLine{}, fmt.Errorf("expected ';' to end data line")
	}
	p.advance()
	return DataLine{WidthMAUs: width, Fields: fields, Labels: labels, Line: line}, nil
}

func (p *parser) parseInitField() (InitDataField, error) {
	width := 0
	if p.cur().kind == tokNumber && p.peekAhead(1).kind == tokColon {
		width = int(p.cur().intval)
		p.advance()
		p.advance()
	}
	expr, err := p.parseExpression()
	if err != nil {
		return InitDataField{}, err
	}
	return InitDataField{Width: width, Value: expr}, nil
}
