package sysdyn

import (
	"math"
	"strconv"
)

// binOpInfo describes a binary operator's AST tag, precedence, and
// associativity.
type binOpInfo struct {
	op         BinaryOp
	prec       int
	rightAssoc bool
}

func binOpFor(t Token) (binOpInfo, bool) {
	switch t.Kind {
	case TokKeyword:
		switch t.Keyword {
		case KwOr:
			return binOpInfo{BinOr, 1, false}, true
		case KwXor:
			return binOpInfo{BinXor, 2, false}, true
		case KwAnd:
			return binOpInfo{BinAnd, 3, false}, true
		}
	case TokEqEq, TokEq:
		return binOpInfo{BinEq, 4, false}, true
	case TokNeq:
		return binOpInfo{BinNeq, 4, false}, true
	case TokLt:
		return binOpInfo{BinLt, 5, false}, true
	case TokLte:
		return binOpInfo{BinLte, 5, false}, true
	case TokGt:
		return binOpInfo{BinGt, 5, false}, true
	case TokGte:
		return binOpInfo{BinGte, 5, false}, true
	case TokPlus:
		return binOpInfo{BinAdd, 6, false}, true
	case TokMinus:
		return binOpInfo{BinSub, 6, false}, true
	case TokStar:
		return binOpInfo{BinMul, 7, false}, true
	case TokSlash:
		return binOpInfo{BinDiv, 7, false}, true
	case TokPercent:
		return binOpInfo{BinMod, 7, false}, true
	case TokCaret:
		return binOpInfo{BinPow, 8, true}, true
	case TokAndAnd:
		return binOpInfo{BinAnd, 3, false}, true
	case TokOrOr:
		return binOpInfo{BinOr, 1, false}, true
	}
	return binOpInfo{}, false
}

// Parser is a Pratt/precedence-climbing parser over the token stream
// produced by Lexer.
type Parser struct {
	lex  *Lexer
	src  string
	tok  Token
	peek *Token
}

// NewParser returns a parser positioned on the first token of src.
func NewParser(src string) (*Parser, error) {
	p := &Parser{lex: NewLexer(src), src: src}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) advance() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *Parser) peekToken() (Token, error) {
	if p.peek == nil {
		t, err := p.lex.Next()
		if err != nil {
			return Token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *Parser) isKeyword(kw Keyword) bool {
	return p.tok.Kind == TokKeyword && p.tok.Keyword == kw
}

// ParseEquation parses a full equation string: zero or more FUNCTION
// macro definitions followed by the equation body expression.
func ParseEquation(src string) (*Equation, error) {
	p, err := NewParser(src)
	if err != nil {
		return nil, err
	}
	start := 0
	var macros []*FunctionDef
	for p.isKeyword(KwFunction) {
		fn, err := p.parseFunctionDef()
		if err != nil {
			return nil, err
		}
		macros = append(macros, fn)
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind != TokEOF {
		return nil, newParseError(CodeTrailingInput, &p.tok.Span, src, "unexpected trailing input %q", p.tok.Text)
	}
	end := len(src)
	return &Equation{
		baseNode: baseNode{span: Span{Start: start, End: end}},
		Macros:   macros,
		Body:     body,
		Source:   src,
	}, nil
}

func (p *Parser) parseFunctionDef() (*FunctionDef, error) {
	startSpan := p.tok.Span
	if err := p.advance(); err != nil { // consume FUNCTION
		return nil, err
	}
	if p.tok.Kind != TokIdent {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected macro name after FUNCTION")
	}
	name := p.tok.Text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.Kind != TokLParen {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected '(' in FUNCTION declaration")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var params []string
	for p.tok.Kind != TokRParen {
		if p.tok.Kind != TokIdent {
			return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected parameter name")
		}
		params = append(params, p.tok.Text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.advance(); err != nil { // consume ')'
		return nil, err
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword(KwEnd) {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected END FUNCTION")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.Kind != TokKeyword || p.tok.Keyword != KwFunction {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected END FUNCTION")
	}
	endSpan := p.tok.Span
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &FunctionDef{
		baseNode: baseNode{span: Span{Start: startSpan.Start, End: endSpan.End}},
		Name:     name,
		Params:   params,
		Body:     body,
	}, nil
}

func (p *Parser) parseExpr() (Node, error) {
	return p.parseBinary(1)
}

func (p *Parser) parseBinary(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		info, ok := binOpFor(p.tok)
		if !ok || info.prec < minPrec {
			break
		}
		opTok := p.tok
		if err := p.advance(); err != nil {
			return nil, err
		}
		nextMin := info.prec + 1
		if info.rightAssoc {
			nextMin = info.prec
		}
		right, err := p.parseBinary(nextMin)
		if err != nil {
			return nil, err
		}
		left = &Binary{
			baseNode: baseNode{span: Span{Start: left.Span().Start, End: right.Span().End, Line: opTok.Span.Line, Column: opTok.Span.Column}},
			Op:       info.op, Left: left, Right: right,
		}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	tok := p.tok
	switch {
	case tok.Kind == TokPlus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{baseNode{Span{Start: tok.Span.Start, End: operand.Span().End}}, UnaryPos, operand}, nil
	case tok.Kind == TokMinus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{baseNode{Span{Start: tok.Span.Start, End: operand.Span().End}}, UnaryNeg, operand}, nil
	case tok.Kind == TokBang || (tok.Kind == TokKeyword && tok.Keyword == KwNot):
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{baseNode{Span{Start: tok.Span.Start, End: operand.Span().End}}, UnaryNot, operand}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.tok
	switch {
	case tok.Kind == TokNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		value := tok.Number
		var units *UnitMap
		if p.tok.Kind == TokUnitOpen {
			scale, u, err := parseUnitQuantity(p.tok.Text, p.src)
			if err != nil {
				return nil, err
			}
			value *= scale
			units = &u
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return &QuantityLiteral{baseNode{tok.Span}, value, units}, nil

	case tok.Kind == TokBoolean:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &BooleanLiteral{baseNode{tok.Span}, tok.Bool}, nil

	case tok.Kind == TokBracketRef:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Ref{baseNode{tok.Span}, tok.Text}, nil

	case tok.Kind == TokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.Kind != TokRParen {
			return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected ')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tok.Kind == TokUnitOpen:
		// A standalone brace literal is a quantity: "{ 1 tick }" is the
		// value 1 carrying the unit "tick".
		value, units, err := parseUnitQuantity(tok.Text, p.src)
		if err != nil {
			return nil, err
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		u := units
		return &QuantityLiteral{baseNode{tok.Span}, value, &u}, nil

	case tok.Kind == TokKeyword:
		switch tok.Keyword {
		case KwTime:
			return p.parseTimeRef(TimeNow)
		case KwTimeStep:
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &Time{baseNode{tok.Span}, TimeStep}, nil
		case KwInitialTime:
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &Time{baseNode{tok.Span}, TimeInitial}, nil
		case KwFinalTime:
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &Time{baseNode{tok.Span}, TimeFinal}, nil
		case KwIf:
			return p.parseIfChain()
		case KwLookup:
			return p.parseLookup()
		case KwDelay1:
			return p.parseDelay(Delay1)
		case KwDelay3:
			return p.parseDelay(Delay3)
		case KwSmooth:
			return p.parseDelay(Smooth)
		case KwSmooth3:
			return p.parseDelay(Smooth3)
		}
		return nil, newParseError(CodeUnknownKeyword, &tok.Span, p.src, "unexpected keyword %q", tok.Text)

	case tok.Kind == TokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.Kind == TokLParen {
			return p.parseCallArgs(tok)
		}
		return &Ref{baseNode{tok.Span}, tok.Text}, nil

	case tok.Kind == TokEOF:
		return nil, newParseError(CodeUnexpectedToken, &tok.Span, p.src, "unexpected end of input")
	}
	return nil, newParseError(CodeUnexpectedToken, &tok.Span, p.src, "unexpected token %q", tok.Text)
}

func (p *Parser) parseTimeRef(kind TimeRefKind) (Node, error) {
	tok := p.tok
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Time{baseNode{tok.Span}, kind}, nil
}

func (p *Parser) parseCallArgs(nameTok Token) (Node, error) {
	if err := p.advance(); err != nil { // consume '('
		return nil, err
	}
	var args []Node
	for p.tok.Kind != TokRParen {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.tok.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.tok.Kind != TokRParen {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected ')' to close call to %q", nameTok.Text)
	}
	end := p.tok.Span
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Call{baseNode{Span{Start: nameTok.Span.Start, End: end.End}}, nameTok.Text, args}, nil
}

func (p *Parser) parseIfChain() (Node, error) {
	start := p.tok.Span
	var branches []IfBranch
	var elseBody Node
	// first IF
	if err := p.advance(); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword(KwThen) {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected THEN")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	then, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	branches = append(branches, IfBranch{Cond: cond, Then: then})

	for p.isKeyword(KwElseIf) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		c, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.isKeyword(KwThen) {
			return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected THEN")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		t, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		branches = append(branches, IfBranch{Cond: c, Then: t})
	}
	if p.isKeyword(KwElse) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elseBody = e
	}
	if !p.isKeyword(KwEnd) {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected END IF")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if !(p.tok.Kind == TokIdent && p.tok.Text == "IF") && !p.isKeyword(KwIf) {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected END IF")
	}
	end := p.tok.Span
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &IfChain{baseNode{Span{Start: start.Start, End: end.End}}, branches, elseBody}, nil
}

func (p *Parser) parseLookup() (Node, error) {
	start := p.tok.Span
	if err := p.advance(); err != nil { // consume LOOKUP
		return nil, err
	}
	if p.tok.Kind != TokLParen {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected '(' after LOOKUP")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	arg, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var points []LookupPoint
	for p.tok.Kind == TokComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	for p.tok.Kind == TokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseSignedNumber()
		if err != nil {
			return nil, err
		}
		if p.tok.Kind != TokComma {
			return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected ',' in lookup point")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		y, err := p.parseSignedNumber()
		if err != nil {
			return nil, err
		}
		if p.tok.Kind != TokRParen {
			return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected ')' to close lookup point")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		points = append(points, LookupPoint{X: x, Y: y})
		if p.tok.Kind == TokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if len(points) == 0 {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "LOOKUP requires at least one point")
	}
	if p.tok.Kind != TokRParen {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected ')' to close LOOKUP")
	}
	end := p.tok.Span
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Lookup1D{baseNode{Span{Start: start.Start, End: end.End}}, arg, points, nil, nil}, nil
}

func (p *Parser) parseSignedNumber() (float64, error) {
	neg := false
	if p.tok.Kind == TokMinus {
		neg = true
		if err := p.advance(); err != nil {
			return 0, err
		}
	}
	if p.tok.Kind != TokNumber {
		return 0, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected number")
	}
	v := p.tok.Number
	if neg {
		v = -v
	}
	if err := p.advance(); err != nil {
		return 0, err
	}
	return v, nil
}

func (p *Parser) parseDelay(kind DelayKind) (Node, error) {
	start := p.tok.Span
	if err := p.advance(); err != nil { // consume keyword
		return nil, err
	}
	if p.tok.Kind != TokLParen {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected '(' after delay/smooth primitive")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	input, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.Kind != TokComma {
		return nil, newParseError(CodeUnexpectedToken, &p.tok.Span, p.src, "expected ',' after delay input")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	tau, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var init Node
	if p.tok.Kind == TokComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
		init, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if p.tok.Kind != TokRParen {
		return nil, newParseError(CodeUnclosedBlock, &p.tok.Span, p.src, "expected ')' to close delay/smooth call")
	}
	end := p.tok.Span
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &Delay{baseNode{Span{Start: start.Start, End: end.End}}, kind, input, tau, init}, nil
}

//----------------------------------------------------------------------
// Unit-expression parsing (consumes the content captured by the main
// lexer's `{ ... }` literal, using the unit sub-lexer).
//----------------------------------------------------------------------

type unitExprParser struct {
	lex  *UnitLexer
	tok  UnitToken
	src  string
	full string
}

// unitValue is an intermediate unit-expression result: a scalar factor
// plus the unit map it multiplies. Most unit expressions carry a factor
// of 1; "{ 1 tick }" style quantity braces carry the leading number.
type unitValue struct {
	scale float64
	units UnitMap
}

func parseUnitExpr(content, fullSrc string) (UnitMap, error) {
	_, m, err := parseUnitQuantity(content, fullSrc)
	return m, err
}

// parseUnitQuantity parses the interior of a `{ ... }` literal into a
// scalar factor and a unit map. Adjacent atoms multiply ("1 tick" is
// 1 * tick), so whitespace-separated unit spellings compose.
func parseUnitQuantity(content, fullSrc string) (float64, UnitMap, error) {
	lex := NewUnitLexer(content)
	up := &unitExprParser{lex: lex, src: content, full: fullSrc}
	if err := up.advance(); err != nil {
		return 0, UnitMap{}, err
	}
	v, err := up.parseUnitMul()
	if err != nil {
		return 0, UnitMap{}, err
	}
	if up.tok.Kind != UTEOF {
		return 0, UnitMap{}, newParseError(CodeInvalidUnitToken, nil, fullSrc, "unexpected trailing unit token %q", up.tok.Text)
	}
	return v.scale, v.units, nil
}

func (u *unitExprParser) advance() error {
	t, err := u.lex.Next()
	if err != nil {
		return err
	}
	u.tok = t
	return nil
}

// parseUnitMul handles * and / (and "per") at equal precedence, left to
// right. A following atom with no operator in between is an implicit
// multiplication ("1 tick", "person day").
func (u *unitExprParser) parseUnitMul() (unitValue, error) {
	left, err := u.parseUnitPow()
	if err != nil {
		return unitValue{}, err
	}
	for {
		switch u.tok.Kind {
		case UTStar, UTSlash, UTPer:
			op := u.tok.Kind
			if err := u.advance(); err != nil {
				return unitValue{}, err
			}
			right, err := u.parseUnitPow()
			if err != nil {
				return unitValue{}, err
			}
			if op == UTStar {
				left = unitValue{scale: left.scale * right.scale, units: left.units.mulExp(right.units, 1)}
			} else {
				left = unitValue{scale: left.scale / right.scale, units: left.units.mulExp(right.units, -1)}
			}
		case UTIdent, UTNumber, UTLParen:
			right, err := u.parseUnitPow()
			if err != nil {
				return unitValue{}, err
			}
			left = unitValue{scale: left.scale * right.scale, units: left.units.mulExp(right.units, 1)}
		default:
			return left, nil
		}
	}
}

// parseUnitPow handles ^ and the squared/cubed suffixes.
func (u *unitExprParser) parseUnitPow() (unitValue, error) {
	base, err := u.parseUnitAtom()
	if err != nil {
		return unitValue{}, err
	}
	for {
		switch u.tok.Kind {
		case UTCaret:
			if err := u.advance(); err != nil {
				return unitValue{}, err
			}
			if u.tok.Kind != UTNumber {
				return unitValue{}, newParseError(CodeInvalidUnitExponent, nil, u.full, "expected numeric exponent")
			}
			exp, err := strconv.ParseFloat(u.tok.Text, 64)
			if err != nil {
				return unitValue{}, newParseError(CodeInvalidUnitExponent, nil, u.full, "invalid unit exponent %q", u.tok.Text)
			}
			if err := u.advance(); err != nil {
				return unitValue{}, err
			}
			base = unitValue{scale: math.Pow(base.scale, exp), units: base.units.Pow(exp)}
		case UTSquared:
			if err := u.advance(); err != nil {
				return unitValue{}, err
			}
			base = unitValue{scale: base.scale * base.scale, units: base.units.Pow(2)}
		case UTCubed:
			if err := u.advance(); err != nil {
				return unitValue{}, err
			}
			base = unitValue{scale: base.scale * base.scale * base.scale, units: base.units.Pow(3)}
		default:
			return base, nil
		}
	}
}

func (u *unitExprParser) parseUnitAtom() (unitValue, error) {
	switch u.tok.Kind {
	case UTLParen:
		if err := u.advance(); err != nil {
			return unitValue{}, err
		}
		inner, err := u.parseUnitMul()
		if err != nil {
			return unitValue{}, err
		}
		if u.tok.Kind != UTRParen {
			return unitValue{}, newParseError(CodeInvalidUnitToken, nil, u.full, "expected ')' in unit expression")
		}
		if err := u.advance(); err != nil {
			return unitValue{}, err
		}
		return inner, nil
	case UTIdent:
		sym := u.tok.Text
		if err := u.advance(); err != nil {
			return unitValue{}, err
		}
		return unitValue{scale: 1, units: NewUnitMap(map[string]float64{sym: 1})}, nil
	case UTNumber:
		v, err := strconv.ParseFloat(u.tok.Text, 64)
		if err != nil {
			return unitValue{}, newParseError(CodeInvalidUnitToken, nil, u.full, "invalid number %q in unit expression", u.tok.Text)
		}
		if err := u.advance(); err != nil {
			return unitValue{}, err
		}
		return unitValue{scale: v, units: Unitless()}, nil
	default:
		return unitValue{}, newParseError(CodeInvalidUnitToken, nil, u.full, "unexpected unit token %q", u.tok.Text)
	}
}
