// Package tmpl implements the sandboxed mini template language used to
// render system/user/assistant prompts from a variant's template plus the
// caller-supplied arguments. It understands {{ expr }} substitutions,
// {% if %}/{% endif %} and {% for x in y %}/{% endfor %} control flow, and a
// handful of filters (tojson, length, upper, lower). There is no access to
// the filesystem, network, or any Go value outside the argument map handed
// to Render — the sandbox is the absence of capability, not a permission
// check.
package tmpl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// Template is a compiled template, safe for concurrent rendering.
type Template struct {
	name  string
	nodes []node
}

// Compile parses raw template source into a renderable Template.
func Compile(name, src string) (*Template, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	p := &parser{toks: toks}
	nodes, err := p.parseBlock()
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("template %q: unexpected trailing %s", name, p.toks[p.pos].kind)
	}
	return &Template{name: name, nodes: nodes}, nil
}

// Render evaluates the template against the given arguments.
func (t *Template) Render(args map[string]interface{}) (string, error) {
	var sb strings.Builder
	env := &renderEnv{vars: args}
	if err := renderNodes(t.nodes, env, &sb); err != nil {
		return "", fmt.Errorf("template %q: %w", t.name, err)
	}
	return sb.String(), nil
}

// renderEnv is the scope chain used while walking a for loop body; it falls
// back to the outer scope for names the loop body doesn't shadow.
type renderEnv struct {
	vars   map[string]interface{}
	parent *renderEnv
}

func (e *renderEnv) lookup(name string) (interface{}, bool) {
	if v, ok := e.vars[name]; ok {
		return v, true
	}
	if e.parent != nil {
		return e.parent.lookup(name)
	}
	return nil, false
}

func (e *renderEnv) flatten() map[string]interface{} {
	flat := map[string]interface{}{}
	if e.parent != nil {
		for k, v := range e.parent.flatten() {
			flat[k] = v
		}
	}
	for k, v := range e.vars {
		flat[k] = v
	}
	return flat
}

// ---- AST ----

type node interface{ isNode() }

type textNode struct{ text string }
type exprNode struct{ expr string }
type ifNode struct {
	cond   string
	then   []node
	elseTo []node
}
type forNode struct {
	varName string
	iter    string
	body    []node
}

func (textNode) isNode() {}
func (exprNode) isNode() {}
func (ifNode) isNode()   {}
func (forNode) isNode()  {}

func renderNodes(nodes []node, env *renderEnv, sb *strings.Builder) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			sb.WriteString(v.text)
		case exprNode:
			out, err := evalExpr(v.expr, env.flatten())
			if err != nil {
				return err
			}
			sb.WriteString(out)
		case ifNode:
			truthy, err := evalBool(v.cond, env.flatten())
			if err != nil {
				return err
			}
			if truthy {
				if err := renderNodes(v.then, env, sb); err != nil {
					return err
				}
			} else if v.elseTo != nil {
				if err := renderNodes(v.elseTo, env, sb); err != nil {
					return err
				}
			}
		case forNode:
			iterable, ok := env.flatten()[v.iter]
			if !ok {
				return fmt.Errorf("for loop: undefined iterable %q", v.iter)
			}
			items, err := toSlice(iterable)
			if err != nil {
				return fmt.Errorf("for loop over %q: %w", v.iter, err)
			}
			for _, item := range items {
				loopEnv := &renderEnv{vars: map[string]interface{}{v.varName: item}, parent: env}
				if err := renderNodes(v.body, loopEnv, sb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func toSlice(v interface{}) ([]interface{}, error) {
	switch s := v.(type) {
	case []interface{}:
		return s, nil
	case []map[string]interface{}:
		out := make([]interface{}, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not iterable: %T", v)
	}
}

// ---- expression evaluation (govaluate) ----

var templateFunctions = map[string]govaluate.ExpressionFunction{
	"tojson": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("tojson: expected 1 argument, got %d", len(args))
		}
		b, err := json.Marshal(args[0])
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},
	"length": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("length: expected 1 argument, got %d", len(args))
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []interface{}:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("length: unsupported type %T", v)
		}
	},
	"upper": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("upper: expected 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("upper: argument must be a string")
		}
		return strings.ToUpper(s), nil
	},
	"lower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("lower: expected 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("lower: argument must be a string")
		}
		return strings.ToLower(s), nil
	},
}

func evalExpr(expr string, vars map[string]interface{}) (string, error) {
	result, err := evalRaw(expr, vars)
	if err != nil {
		return "", err
	}
	return stringify(result), nil
}

func evalBool(expr string, vars map[string]interface{}) (bool, error) {
	result, err := evalRaw(expr, vars)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case string:
		return v != "", nil
	case float64:
		return v != 0, nil
	default:
		return true, nil
	}
}

func evalRaw(expr string, vars map[string]interface{}) (interface{}, error) {
	ev, err := govaluate.NewEvaluableExpressionWithFunctions(expr, templateFunctions)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	result, err := ev.Evaluate(vars)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	return result, nil
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
