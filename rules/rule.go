// Package rules checks the {{ reference }} templates embedded in node inputs.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/autoflow/types"
)

// Roots that every template may reference besides node ids.
const (
	RootTrigger = "trigger"
	RootEnv     = "env"
)

var templateRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Reference is one template expression found in a node input.
type Reference struct {
	NodeID     string
	Input      string
	Expression string
}

// Checker defines the interface for checking reference expressions.
type Checker interface {
	Check(expression string, env map[string]interface{}) error
}

// ExprChecker is an implementation of Checker using expr-lang/expr.
type ExprChecker struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprChecker creates a new ExprChecker with an initialized cache.
func NewExprChecker() *ExprChecker {
	return &ExprChecker{
		cache: make(map[string]*vm.Program),
	}
}

// Check compiles expression against env. Compilation fails on syntax errors
// and on identifiers that are not roots of env.
func (c *ExprChecker) Check(expression string, env map[string]interface{}) error {
	key := cacheKey(expression, env)

	c.mu.RLock()
	_, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cache[key] = program
	c.mu.Unlock()
	return nil
}

// Env builds the compile environment of a workflow: trigger, env and one
// entry per node id.
func Env(wf types.Workflow) map[string]interface{} {
	vars := make(map[string]interface{}, len(wf.Env))
	for k, v := range wf.Env {
		vars[k] = v
	}
	env := map[string]interface{}{
		RootTrigger: map[string]interface{}{},
		RootEnv:     vars,
	}
	for _, node := range wf.Nodes {
		env[node.ID] = map[string]interface{}{}
	}
	return env
}

// Extract returns the template expressions contained in s.
func Extract(s string) []string {
	var out []string
	for _, m := range templateRe.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// Collect walks the inputs of every node, including nested maps and lists,
// and returns the references found in string values ordered by node and input.
func Collect(wf types.Workflow) []Reference {
	var refs []Reference
	for _, node := range wf.Nodes {
		keys := make([]string, 0, len(node.Inputs))
		for k := range node.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(node.ID, k, node.Inputs[k], &refs)
		}
	}
	return refs
}

func walk(nodeID, path string, value interface{}, refs *[]Reference) {
	switch v := value.(type) {
	case string:
		for _, e := range Extract(v) {
			*refs = append(*refs, Reference{NodeID: nodeID, Input: path, Expression: e})
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(nodeID, path+"."+k, v[k], refs)
		}
	case []interface{}:
		for i, item := range v {
			walk(nodeID, fmt.Sprintf("%s[%d]", path, i), item, refs)
		}
	}
}

func cacheKey(expression string, env map[string]interface{}) string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return expression + "\x00" + strings.Join(names, ",")
}
