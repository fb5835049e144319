package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reploid-dev/reploid/vfs"
)

// Executor runs a tool body against validated arguments, using handle for
// every side effect the tool is permitted. Implementations must not retain
// handle past their Execute call returning.
type Executor interface {
	Execute(ctx context.Context, def Definition, args json.RawMessage, handle *Handle) (json.RawMessage, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, def Definition, args json.RawMessage, handle *Handle) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, def Definition, args json.RawMessage, handle *Handle) (json.RawMessage, error) {
	return f(ctx, def, args, handle)
}

// exprNode is the body format understood by the built-in Interpreter: a
// small, intentionally non-Turing-complete arithmetic expression tree. Tool
// bodies written in this format can be statically screened trivially (there
// is no eval, no host-escape construct, no recursion construct at all) while
// still letting an agent "write a tool that computes a+b" (spec §8 scenario
// 1) by depositing a body at /tools/<id> and registering it.
type exprNode struct {
	Op    string     `json:"op"`
	Args  []exprNode `json:"args,omitempty"`
	Name  string     `json:"name,omitempty"`
	Value float64    `json:"value,omitempty"`
}

// Interpreter is the default Executor: it loads def.BodyRef from the VFS
// (bypassing the tool's own read_vfs capability — body loading is a runtime
// concern, not something the tool body itself performs), parses it as an
// exprNode, and evaluates it against the call arguments.
type Interpreter struct {
	fs *vfs.Vfs
}

// NewInterpreter constructs the built-in arithmetic-tool Executor.
func NewInterpreter(fs *vfs.Vfs) *Interpreter {
	return &Interpreter{fs: fs}
}

func (in *Interpreter) Execute(_ context.Context, def Definition, args json.RawMessage, _ *Handle) (json.RawMessage, error) {
	raw, err := in.fs.ReadUnbounded(def.BodyRef)
	if err != nil {
		return nil, &ToolError{Stage: "load", Message: fmt.Sprintf("loading body %s: %v", def.BodyRef, err)}
	}
	var node exprNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &ToolError{Stage: "load", Message: "malformed tool body: " + err.Error()}
	}
	var argVals map[string]float64
	if err := json.Unmarshal(args, &argVals); err != nil {
		return nil, &ToolError{Stage: "execute", Message: "arguments must be a flat object of numbers: " + err.Error()}
	}
	result, err := evalExpr(node, argVals)
	if err != nil {
		return nil, &ToolError{Stage: "execute", Message: err.Error()}
	}
	return json.Marshal(map[string]float64{"result": result})
}

func evalExpr(n exprNode, args map[string]float64) (float64, error) {
	switch n.Op {
	case "const":
		return n.Value, nil
	case "arg":
		v, ok := args[n.Name]
		if !ok {
			return 0, fmt.Errorf("missing argument %q", n.Name)
		}
		return v, nil
	case "add", "sub", "mul", "div":
		if len(n.Args) != 2 {
			return 0, fmt.Errorf("op %q requires exactly 2 args", n.Op)
		}
		left, err := evalExpr(n.Args[0], args)
		if err != nil {
			return 0, err
		}
		right, err := evalExpr(n.Args[1], args)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case "add":
			return left + right, nil
		case "sub":
			return left - right, nil
		case "mul":
			return left * right, nil
		case "div":
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return left / right, nil
		}
	}
	return 0, fmt.Errorf("unknown op %q", n.Op)
}
