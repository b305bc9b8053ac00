package tmpl

import (
	"fmt"
	"strconv"
	"strings"
)

type node interface{}

type textNode struct {
	text string
}

// exprNode is {{path}} or {{helper arg...}}.
type exprNode struct {
	name   string
	params []param
}

type blockNode struct {
	name     string
	params   []param
	body     []node
	inverse  []node
	inverted bool
	pos      int
}

type param struct {
	path    string
	literal any
	isLit   bool
}

type parser struct {
	tokens []token
	pos    int
}

func parse(src string) ([]node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: stripStandalone(tokens)}
	nodes, closer, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	if closer != nil {
		return nil, fmt.Errorf("unexpected {{/%s}} at offset %d", closer.text, closer.pos)
	}
	return nodes, nil
}

// parseUntil consumes nodes until a close or else tag, which it returns.
func (p *parser) parseUntil() ([]node, *token, error) {
	var nodes []node
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		p.pos++

		switch tok.kind {
		case tokText:
			if tok.text != "" {
				nodes = append(nodes, textNode{text: tok.text})
			}
		case tokComment:
		case tokExpr:
			name, params, err := splitCall(tok.text)
			if err != nil {
				return nil, nil, fmt.Errorf("offset %d: %w", tok.pos, err)
			}
			if len(params) > 0 {
				if _, ok := helpers[name]; !ok {
					return nil, nil, fmt.Errorf("offset %d: unknown helper %q", tok.pos, name)
				}
			}
			nodes = append(nodes, exprNode{name: name, params: params})
		case tokOpen, tokOpenInverse:
			block, err := p.parseBlock(tok)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, block)
		case tokClose, tokElse:
			return nodes, &tok, nil
		}
	}
	return nodes, nil, nil
}

func (p *parser) parseBlock(open token) (node, error) {
	name, params, err := splitCall(open.text)
	if err != nil {
		return nil, fmt.Errorf("offset %d: %w", open.pos, err)
	}
	block := blockNode{name: name, params: params, inverted: open.kind == tokOpenInverse, pos: open.pos}

	body, end, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	block.body = body
	if end != nil && end.kind == tokElse {
		inverse, closeTok, err := p.parseUntil()
		if err != nil {
			return nil, err
		}
		if closeTok != nil && closeTok.kind == tokElse {
			return nil, fmt.Errorf("offset %d: duplicate else in {{#%s}}", closeTok.pos, name)
		}
		block.inverse = inverse
		end = closeTok
	}
	if end == nil {
		return nil, fmt.Errorf("offset %d: unclosed {{#%s}}", open.pos, name)
	}
	if end.text != name {
		return nil, fmt.Errorf("offset %d: {{/%s}} does not match {{#%s}}", end.pos, end.text, name)
	}
	return block, nil
}

// splitCall splits "helper a.b \"lit\" 3" into its name and parameters.
func splitCall(text string) (string, []param, error) {
	fields, err := fieldsQuoted(text)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty expression")
	}
	params := make([]param, 0, len(fields)-1)
	for _, f := range fields[1:] {
		params = append(params, parseParam(f))
	}
	return fields[0], params, nil
}

func parseParam(f string) param {
	if len(f) >= 2 && (f[0] == '"' || f[0] == '\'') && f[len(f)-1] == f[0] {
		return param{literal: f[1 : len(f)-1], isLit: true}
	}
	switch f {
	case "true":
		return param{literal: true, isLit: true}
	case "false":
		return param{literal: false, isLit: true}
	case "null", "undefined":
		return param{literal: nil, isLit: true}
	}
	if n, err := strconv.ParseFloat(f, 64); err == nil {
		return param{literal: n, isLit: true}
	}
	return param{path: f}
}

func fieldsQuoted(text string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string in %q", text)
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
