package workflow

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/autoflow/rules"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/types"
)

// Annotation codes.
const (
	CodeOK                  = "ok"
	CodeUnreachable         = "unreachable"
	CodeMissingAuth         = "missing_auth"
	CodeMissingInput        = "missing_input"
	CodeInvalidTrigger      = "invalid_trigger"
	CodeUnresolvedReference = "unresolved_reference"
)

// AuthRequired lists the node types that call external services.
var AuthRequired = map[types.NodeType]bool{
	types.NodeEmail: true,
	types.NodeSlack: true,
	types.NodeHTTP:  true,
}

// RequiredInputs lists the inputs each node type must carry.
var RequiredInputs = map[types.NodeType][]string{
	types.NodeHTTP:  {"url"},
	types.NodeEmail: {"to"},
	types.NodeSlack: {"channel"},
	types.NodeAI:    {"prompt"},
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Report is the result of static analysis. Success means no issues;
// annotations are reported either way.
type Report struct {
	Success     bool                   `json:"success"`
	Issues      []string               `json:"issues"`
	Annotations []types.NodeAnnotation `json:"annotations"`
}

// AnalyzeJSON parses data and analyzes the result. A schema failure is the
// only issue reported.
func AnalyzeJSON(data []byte, checker rules.Checker) Report {
	wf, err := schema.Parse(data)
	if err != nil {
		return Report{Success: false, Issues: []string{err.Error()}, Annotations: []types.NodeAnnotation{}}
	}
	return Analyze(wf, checker)
}

// Analyze runs the graph checks on wf without executing anything. A nil
// checker skips template reference checks.
func Analyze(wf types.Workflow, checker rules.Checker) Report {
	if err := schema.Validate(wf); err != nil {
		return Report{Success: false, Issues: []string{err.Error()}, Annotations: []types.NodeAnnotation{}}
	}

	a := newAnalysis(wf)
	a.checkEdges()
	a.checkAuth()
	a.checkTriggers()
	a.checkReachability()
	a.checkInputs()
	if checker != nil {
		a.checkReferences(checker)
	}
	return a.report()
}

type analysis struct {
	wf     types.Workflow
	nodes  map[string]types.Node
	issues []string
	notes  map[string][]types.NodeAnnotation
}

func newAnalysis(wf types.Workflow) *analysis {
	nodes := make(map[string]types.Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodes[n.ID] = n
	}
	return &analysis{wf: wf, nodes: nodes, notes: make(map[string][]types.NodeAnnotation)}
}

func (a *analysis) issue(format string, args ...interface{}) {
	a.issues = append(a.issues, fmt.Sprintf(format, args...))
}

func (a *analysis) annotate(nodeID string, sev types.Severity, code, msg string) {
	a.notes[nodeID] = append(a.notes[nodeID], types.NodeAnnotation{
		NodeID:   nodeID,
		Severity: sev,
		Code:     code,
		Message:  msg,
	})
}

// checkEdges repeats the referential check for stored documents that
// bypassed Parse.
func (a *analysis) checkEdges() {
	for _, e := range a.wf.Edges {
		for _, id := range []string{e.FromNodeID, e.ToNodeID} {
			if _, ok := a.nodes[id]; !ok {
				a.issue("edge %s -> %s references unknown node %q", e.FromNodeID, e.ToNodeID, id)
			}
		}
	}
}

func (a *analysis) checkAuth() {
	for _, n := range a.wf.Nodes {
		if AuthRequired[n.Type] && strings.TrimSpace(n.AuthRef) == "" {
			msg := fmt.Sprintf("node %q (%s) requires an authRef", n.ID, n.Type)
			a.issue("%s", msg)
			a.annotate(n.ID, types.SeverityWarning, CodeMissingAuth, msg)
		}
	}
}

func (a *analysis) checkTriggers() {
	for i, t := range a.wf.Triggers {
		var problems []string
		for _, key := range schema.MissingTriggerKeys(t) {
			problems = append(problems, fmt.Sprintf("%s trigger requires config.%s", t.Type, key))
		}
		if t.Type == types.TriggerSchedule {
			if expr, ok := t.Config["cron"].(string); ok && expr != "" {
				if _, err := cronParser.Parse(expr); err != nil {
					problems = append(problems, fmt.Sprintf("schedule trigger has invalid cron %q: %v", expr, err))
				}
			} else if _, present := t.Config["cron"]; present {
				problems = append(problems, "schedule trigger cron must be a non-empty string")
			}
		}
		for _, p := range problems {
			a.issue("triggers[%d]: %s", i, p)
			if _, ok := a.nodes[t.NodeID]; ok {
				a.annotate(t.NodeID, types.SeverityError, CodeInvalidTrigger, p)
			}
		}
	}
}

// roots returns trigger-typed nodes and trigger targets. A workflow without
// either is entered at its first node.
func (a *analysis) roots() []string {
	var roots []string
	seen := make(map[string]bool)
	add := func(id string) {
		if _, ok := a.nodes[id]; ok && !seen[id] {
			seen[id] = true
			roots = append(roots, id)
		}
	}
	for _, n := range a.wf.Nodes {
		if n.Type.IsTrigger() {
			add(n.ID)
		}
	}
	for _, t := range a.wf.Triggers {
		add(t.NodeID)
	}
	if len(roots) == 0 && len(a.wf.Nodes) > 0 {
		// Depends on node order: reordering nodes changes what is reachable.
		add(a.wf.Nodes[0].ID)
	}
	return roots
}

func (a *analysis) checkReachability() {
	next := make(map[string][]string)
	for _, e := range a.wf.Edges {
		next[e.FromNodeID] = append(next[e.FromNodeID], e.ToNodeID)
	}

	visited := make(map[string]bool)
	stack := a.roots()
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, next[id]...)
	}

	for _, n := range a.wf.Nodes {
		if !visited[n.ID] {
			msg := fmt.Sprintf("node %q is unreachable from any trigger", n.ID)
			a.issue("%s", msg)
			a.annotate(n.ID, types.SeverityError, CodeUnreachable, msg)
		}
	}
}

func (a *analysis) checkInputs() {
	for _, n := range a.wf.Nodes {
		for _, key := range RequiredInputs[n.Type] {
			if isBlank(n.Inputs[key]) {
				msg := fmt.Sprintf("node %q (%s) is missing required input %q", n.ID, n.Type, key)
				a.issue("%s", msg)
				a.annotate(n.ID, types.SeverityError, CodeMissingInput, msg)
			}
		}
	}
}

// checkReferences flags {{ }} expressions that do not compile against the
// workflow. They are advisory and never become issues.
func (a *analysis) checkReferences(checker rules.Checker) {
	env := rules.Env(a.wf)
	for _, ref := range rules.Collect(a.wf) {
		if err := checker.Check(ref.Expression, env); err != nil {
			a.annotate(ref.NodeID, types.SeverityWarning, CodeUnresolvedReference,
				fmt.Sprintf("input %s: cannot resolve {{%s}}", ref.Input, ref.Expression))
		}
	}
}

func (a *analysis) report() Report {
	annotations := make([]types.NodeAnnotation, 0, len(a.wf.Nodes))
	for _, n := range a.wf.Nodes {
		notes := a.notes[n.ID]
		if len(notes) == 0 {
			annotations = append(annotations, types.NodeAnnotation{
				NodeID:   n.ID,
				Severity: types.SeveritySuccess,
				Code:     CodeOK,
				Message:  "no problems found",
			})
			continue
		}
		annotations = append(annotations, notes...)
	}
	issues := a.issues
	if issues == nil {
		issues = []string{}
	}
	return Report{Success: len(a.issues) == 0, Issues: issues, Annotations: annotations}
}

func isBlank(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
