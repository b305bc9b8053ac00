// Package tmpl renders the Handlebars subset used by agent prompts and
// structured-output mappers: dotted variables, this, #each with @index,
// @first, @last and @key, #if, #unless, #with, else, mustache sections,
// and the json helper. Output is never HTML-escaped.
package tmpl

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Template is a compiled template, safe for concurrent use.
type Template struct {
	source string
	nodes  []node
}

// Compile parses src.
func Compile(src string) (*Template, error) {
	nodes, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("compile template: %w", err)
	}
	return &Template{source: src, nodes: nodes}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the template text.
func (t *Template) Source() string {
	return t.source
}

// Execute renders the template against data.
func (t *Template) Execute(data any) (string, error) {
	var out strings.Builder
	root := &frame{value: data}
	root.root = root
	if err := renderNodes(&out, t.nodes, root); err != nil {
		return "", err
	}
	return out.String(), nil
}

var helpers = map[string]func(args []any) (string, error){
	"json":           jsonHelper,
	"json_stringify": jsonHelper,
}

func jsonHelper(args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("json expects 1 argument, got %d", len(args))
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return "", fmt.Errorf("json helper: %w", err)
	}
	return string(b), nil
}

type frame struct {
	value  any
	data   map[string]any
	parent *frame
	root   *frame
}

func (f *frame) child(value any, data map[string]any) *frame {
	return &frame{value: value, data: data, parent: f, root: f.root}
}

func renderNodes(out *strings.Builder, nodes []node, f *frame) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			out.WriteString(n.text)
		case exprNode:
			if len(n.params) == 0 {
				out.WriteString(stringify(f.resolve(n.name)))
				continue
			}
			args := make([]any, 0, len(n.params))
			for _, p := range n.params {
				args = append(args, f.eval(p))
			}
			s, err := helpers[n.name](args)
			if err != nil {
				return err
			}
			out.WriteString(s)
		case blockNode:
			if err := renderBlock(out, n, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderBlock(out *strings.Builder, b blockNode, f *frame) error {
	if b.inverted {
		if truthy(f.resolve(b.name)) {
			return nil
		}
		return renderNodes(out, b.body, f)
	}

	arg := func() (any, error) {
		if len(b.params) != 1 {
			return nil, fmt.Errorf("offset %d: {{#%s}} expects 1 argument", b.pos, b.name)
		}
		return f.eval(b.params[0]), nil
	}

	switch b.name {
	case "each":
		v, err := arg()
		if err != nil {
			return err
		}
		return renderEach(out, b, f, v)
	case "if", "unless":
		v, err := arg()
		if err != nil {
			return err
		}
		if truthy(v) == (b.name == "if") {
			return renderNodes(out, b.body, f)
		}
		return renderNodes(out, b.inverse, f)
	case "with":
		v, err := arg()
		if err != nil {
			return err
		}
		if !truthy(v) {
			return renderNodes(out, b.inverse, f)
		}
		return renderNodes(out, b.body, f.child(v, nil))
	}

	if len(b.params) > 0 {
		return fmt.Errorf("offset %d: unknown block helper %q", b.pos, b.name)
	}
	v := f.resolve(b.name)
	if !truthy(v) {
		return renderNodes(out, b.inverse, f)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return renderEach(out, b, f, v)
	}
	if _, isBool := v.(bool); isBool {
		return renderNodes(out, b.body, f)
	}
	return renderNodes(out, b.body, f.child(v, nil))
}

func renderEach(out *strings.Builder, b blockNode, f *frame, v any) error {
	if v == nil {
		return renderNodes(out, b.inverse, f)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		if n == 0 {
			return renderNodes(out, b.inverse, f)
		}
		for i := 0; i < n; i++ {
			data := map[string]any{"index": float64(i), "first": i == 0, "last": i == n-1}
			if err := renderNodes(out, b.body, f.child(rv.Index(i).Interface(), data)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		keys := mapKeys(rv)
		if len(keys) == 0 {
			return renderNodes(out, b.inverse, f)
		}
		for i, k := range keys {
			data := map[string]any{"key": k, "index": float64(i), "first": i == 0, "last": i == len(keys)-1}
			item := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()
			if err := renderNodes(out, b.body, f.child(item, data)); err != nil {
				return err
			}
		}
		return nil
	default:
		return renderNodes(out, b.inverse, f)
	}
}

func mapKeys(rv reflect.Value) []string {
	if rv.Type().Key().Kind() != reflect.String {
		return nil
	}
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}

func (f *frame) eval(p param) any {
	if p.isLit {
		return p.literal
	}
	return f.resolve(p.path)
}

// resolve looks a path up in the current context. Paths may start with
// this, @root, @<data> or any number of ../ segments.
func (f *frame) resolve(path string) any {
	cur := f
	for strings.HasPrefix(path, "../") {
		path = path[3:]
		if cur.parent != nil {
			cur = cur.parent
		}
	}

	if path == "this" || path == "." {
		return cur.value
	}
	path = strings.TrimPrefix(path, "this.")
	path = strings.TrimPrefix(path, "./")

	if strings.HasPrefix(path, "@") {
		name, rest, _ := strings.Cut(path[1:], ".")
		var v any
		if name == "root" {
			v = cur.root.value
		} else {
			for fr := cur; fr != nil; fr = fr.parent {
				if d, ok := fr.data[name]; ok {
					v = d
					break
				}
			}
		}
		if rest == "" {
			return v
		}
		return lookupPath(v, rest)
	}
	return lookupPath(cur.value, path)
}

func lookupPath(v any, path string) any {
	for _, seg := range strings.Split(path, ".") {
		if v == nil {
			return nil
		}
		v = lookup(v, seg)
	}
	return v
}

func lookup(v any, key string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[key]
	case map[string]string:
		if s, ok := m[key]; ok {
			return s
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		item := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !item.IsValid() {
			return nil
		}
		return item.Interface()
	case reflect.Slice, reflect.Array:
		if key == "length" {
			return float64(rv.Len())
		}
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil
		}
		return rv.Index(i).Interface()
	case reflect.String:
		if key == "length" {
			return float64(len([]rune(rv.String())))
		}
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = stringify(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	case reflect.Map, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
