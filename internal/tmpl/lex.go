package tmpl

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokExpr
	tokOpen
	tokOpenInverse
	tokClose
	tokElse
	tokComment
)

type token struct {
	kind      tokenKind
	text      string
	pos       int
	trimLeft  bool
	trimRight bool
}

// standalone kinds may occupy a line on their own, which is then removed.
func (t token) standaloneKind() bool {
	switch t.kind {
	case tokOpen, tokOpenInverse, tokClose, tokElse, tokComment:
		return true
	default:
		return false
	}
}

func lex(src string) ([]token, error) {
	var tokens []token
	pos := 0
	for pos < len(src) {
		start := strings.Index(src[pos:], "{{")
		if start < 0 {
			tokens = append(tokens, token{kind: tokText, text: src[pos:], pos: pos})
			break
		}
		if start > 0 {
			tokens = append(tokens, token{kind: tokText, text: src[pos : pos+start], pos: pos})
		}
		tagStart := pos + start

		tok, next, err := lexTag(src, tagStart)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		pos = next
	}
	return tokens, nil
}

func lexTag(src string, at int) (token, int, error) {
	open, closing := "{{", "}}"
	if strings.HasPrefix(src[at:], "{{{") {
		open, closing = "{{{", "}}}"
	}
	inner := at + len(open)

	tok := token{pos: at}
	if strings.HasPrefix(src[inner:], "~") {
		tok.trimLeft = true
		inner++
	}

	if open == "{{" && strings.HasPrefix(src[inner:], "!--") {
		end := strings.Index(src[inner+3:], "--")
		if end < 0 {
			return token{}, 0, fmt.Errorf("unterminated comment at offset %d", at)
		}
		rest := inner + 3 + end + 2
		closeAt := strings.Index(src[rest:], closing)
		if closeAt < 0 {
			return token{}, 0, fmt.Errorf("unterminated comment at offset %d", at)
		}
		body := src[rest : rest+closeAt]
		tok.trimRight = strings.HasSuffix(body, "~")
		tok.kind = tokComment
		return tok, rest + closeAt + len(closing), nil
	}

	end := strings.Index(src[inner:], closing)
	if end < 0 {
		return token{}, 0, fmt.Errorf("unclosed tag at offset %d", at)
	}
	body := src[inner : inner+end]
	next := inner + end + len(closing)
	if strings.HasSuffix(body, "~") {
		tok.trimRight = true
		body = body[:len(body)-1]
	}
	body = strings.TrimSpace(body)

	switch {
	case strings.HasPrefix(body, "!"):
		tok.kind = tokComment
	case strings.HasPrefix(body, "#"):
		tok.kind = tokOpen
		tok.text = strings.TrimSpace(body[1:])
	case body == "^" || body == "else":
		tok.kind = tokElse
	case strings.HasPrefix(body, "^"):
		tok.kind = tokOpenInverse
		tok.text = strings.TrimSpace(body[1:])
	case strings.HasPrefix(body, "/"):
		tok.kind = tokClose
		tok.text = strings.TrimSpace(body[1:])
	default:
		if body == "" {
			return token{}, 0, fmt.Errorf("empty tag at offset %d", at)
		}
		tok.kind = tokExpr
		tok.text = body
	}
	if tok.kind != tokExpr && tok.kind != tokComment && tok.kind != tokElse && tok.text == "" {
		return token{}, 0, fmt.Errorf("block tag without name at offset %d", at)
	}
	return tok, next, nil
}

// stripStandalone removes the line of every block tag that has nothing
// but whitespace around it, then applies ~ whitespace control. Decisions
// are made against the original text so adjacent block lines all qualify.
func stripStandalone(tokens []token) []token {
	from := make([]int, len(tokens))
	to := make([]int, len(tokens))
	for i, tok := range tokens {
		to[i] = len(tok.text)
	}

	for i, tok := range tokens {
		if !tok.standaloneKind() {
			continue
		}
		prevOK, prevCut := standaloneBefore(tokens, i)
		nextOK, nextCut := standaloneAfter(tokens, i)
		if !prevOK || !nextOK {
			continue
		}
		if i > 0 && tokens[i-1].kind == tokText && prevCut < to[i-1] {
			to[i-1] = prevCut
		}
		if i+1 < len(tokens) && tokens[i+1].kind == tokText && nextCut > from[i+1] {
			from[i+1] = nextCut
		}
	}

	for i := range tokens {
		if tokens[i].kind != tokText {
			continue
		}
		if from[i] >= to[i] {
			tokens[i].text = ""
			continue
		}
		tokens[i].text = tokens[i].text[from[i]:to[i]]
	}

	for i, tok := range tokens {
		if tok.kind == tokText {
			continue
		}
		if tok.trimLeft && i > 0 && tokens[i-1].kind == tokText {
			tokens[i-1].text = strings.TrimRight(tokens[i-1].text, " \t\r\n")
		}
		if tok.trimRight && i+1 < len(tokens) && tokens[i+1].kind == tokText {
			tokens[i+1].text = strings.TrimLeft(tokens[i+1].text, " \t\r\n")
		}
	}
	return tokens
}

// standaloneBefore reports whether only spaces separate the tag from the
// start of its line, and where to cut the preceding text.
func standaloneBefore(tokens []token, i int) (bool, int) {
	if i == 0 {
		return true, 0
	}
	prev := tokens[i-1]
	if prev.kind != tokText {
		return false, 0
	}
	nl := strings.LastIndexByte(prev.text, '\n')
	tail := prev.text[nl+1:]
	if strings.Trim(tail, " \t") != "" {
		return false, 0
	}
	if nl < 0 && i-1 != 0 {
		return false, 0
	}
	return true, nl + 1
}

// standaloneAfter reports whether only spaces follow the tag up to the end
// of its line, and where the following text should start.
func standaloneAfter(tokens []token, i int) (bool, int) {
	if i == len(tokens)-1 {
		return true, 0
	}
	next := tokens[i+1]
	if next.kind != tokText {
		return false, 0
	}
	nl := strings.IndexByte(next.text, '\n')
	if nl < 0 {
		if strings.Trim(next.text, " \t") == "" && i+1 == len(tokens)-1 {
			return true, len(next.text)
		}
		return false, 0
	}
	head := strings.TrimSuffix(next.text[:nl], "\r")
	if strings.Trim(head, " \t") != "" {
		return false, 0
	}
	return true, nl + 1
}
