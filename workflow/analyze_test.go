package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/rules"
	"github.com/songzhibin97/autoflow/types"
)

func contactWorkflow() types.Workflow {
	return generator.Templates[0].Build("email me when someone fills out my contact form")
}

func annotationsFor(r Report, nodeID string) []types.NodeAnnotation {
	var out []types.NodeAnnotation
	for _, a := range r.Annotations {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	return out
}

func countCode(r Report, code string) int {
	n := 0
	for _, a := range r.Annotations {
		if a.Code == code {
			n++
		}
	}
	return n
}

func TestAnalyze_Clean(t *testing.T) {
	report := Analyze(contactWorkflow(), rules.NewExprChecker())

	assert.True(t, report.Success)
	assert.Empty(t, report.Issues)
	require.Len(t, report.Annotations, 4)
	for _, a := range report.Annotations {
		assert.Equal(t, types.SeveritySuccess, a.Severity, a.NodeID)
		assert.Equal(t, CodeOK, a.Code)
	}
}

func TestAnalyze_Reachability(t *testing.T) {
	t.Run("OrphanNode", func(t *testing.T) {
		wf := contactWorkflow()
		wf.Nodes = append(wf.Nodes, types.Node{ID: "orphan", Type: types.NodeTransform, Action: "noop"})

		report := Analyze(wf, nil)
		assert.False(t, report.Success)
		require.Len(t, report.Issues, 1)
		assert.Contains(t, report.Issues[0], `"orphan"`)

		notes := annotationsFor(report, "orphan")
		require.Len(t, notes, 1)
		assert.Equal(t, types.SeverityError, notes[0].Severity)
		assert.Equal(t, CodeUnreachable, notes[0].Code)
		assert.Equal(t, 1, countCode(report, CodeUnreachable))
	})

	t.Run("EdgeFromOrphanDoesNotHelp", func(t *testing.T) {
		wf := contactWorkflow()
		wf.Nodes = append(wf.Nodes,
			types.Node{ID: "island_a", Type: types.NodeTransform, Action: "noop"},
			types.Node{ID: "island_b", Type: types.NodeTransform, Action: "noop"},
		)
		wf.Edges = append(wf.Edges, types.Edge{FromNodeID: "island_a", ToNodeID: "island_b"})

		report := Analyze(wf, nil)
		assert.Equal(t, 2, countCode(report, CodeUnreachable))
	})

	t.Run("TriggerTargetIsRoot", func(t *testing.T) {
		wf := types.Workflow{
			Name: "target",
			Nodes: []types.Node{
				{ID: "entry", Type: types.NodeTransform, Action: "parse"},
				{ID: "next", Type: types.NodeTransform, Action: "noop"},
			},
			Edges: []types.Edge{{FromNodeID: "entry", ToNodeID: "next"}},
			Triggers: []types.Trigger{{
				Type:   types.TriggerWebhook,
				Config: map[string]interface{}{"path": "/in", "method": "POST"},
				NodeID: "entry",
			}},
		}
		report := Analyze(wf, nil)
		assert.True(t, report.Success, report.Issues)
	})

	t.Run("NoTriggersEntersAtFirstNode", func(t *testing.T) {
		wf := types.Workflow{
			Name: "plain",
			Nodes: []types.Node{
				{ID: "a", Type: types.NodeTransform, Action: "x"},
				{ID: "b", Type: types.NodeTransform, Action: "y"},
			},
			Edges: []types.Edge{{FromNodeID: "a", ToNodeID: "b"}},
		}
		report := Analyze(wf, nil)
		assert.Equal(t, 0, countCode(report, CodeUnreachable))

		wf.Nodes[0], wf.Nodes[1] = wf.Nodes[1], wf.Nodes[0]
		report = Analyze(wf, nil)
		assert.Equal(t, 1, countCode(report, CodeUnreachable))
		codes := make([]string, 0)
		for _, n := range annotationsFor(report, "a") {
			codes = append(codes, n.Code)
		}
		assert.Contains(t, codes, CodeUnreachable)
	})
}

func TestAnalyze_Auth(t *testing.T) {
	wf := contactWorkflow()
	wf.Nodes[2].AuthRef = ""

	report := Analyze(wf, rules.NewExprChecker())
	assert.False(t, report.Success)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], `"send_email"`)

	notes := annotationsFor(report, "send_email")
	require.Len(t, notes, 1)
	assert.Equal(t, types.SeverityWarning, notes[0].Severity)
	assert.Equal(t, CodeMissingAuth, notes[0].Code)

	wf.Nodes[2].AuthRef = "smtp_main"
	fixed := Analyze(wf, rules.NewExprChecker())
	assert.True(t, fixed.Success)
	assert.Empty(t, fixed.Issues)
	for _, id := range []string{"trigger", "validate", "slack_notify"} {
		assert.Equal(t, annotationsFor(report, id), annotationsFor(fixed, id), id)
	}
}

func TestAnalyze_RequiredInputs(t *testing.T) {
	wf := generator.Templates[1].Build("weekly blog")
	for i := range wf.Nodes {
		if wf.Nodes[i].ID == "publish" {
			delete(wf.Nodes[i].Inputs, "url")
		}
	}

	report := Analyze(wf, nil)
	assert.False(t, report.Success)
	notes := annotationsFor(report, "publish")
	require.Len(t, notes, 1)
	assert.Equal(t, types.SeverityError, notes[0].Severity)
	assert.Equal(t, CodeMissingInput, notes[0].Code)
	assert.Contains(t, report.Issues[0], `"url"`)
}

func TestAnalyze_Cron(t *testing.T) {
	wf := generator.Templates[1].Build("weekly blog")
	wf.Triggers[0].Config["cron"] = "every monday"

	report := Analyze(wf, nil)
	assert.False(t, report.Success)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "invalid cron")
	assert.Equal(t, 1, countCode(report, CodeInvalidTrigger))

	wf.Triggers[0].Config["cron"] = "@daily"
	assert.True(t, Analyze(wf, nil).Success)
}

func TestAnalyze_References(t *testing.T) {
	wf := contactWorkflow()
	wf.Nodes[3].Inputs["text"] = "{{ ghost.output }}"

	report := Analyze(wf, rules.NewExprChecker())
	assert.True(t, report.Success, "unresolved references are advisory")
	notes := annotationsFor(report, "slack_notify")
	require.Len(t, notes, 1)
	assert.Equal(t, types.SeverityWarning, notes[0].Severity)
	assert.Equal(t, CodeUnresolvedReference, notes[0].Code)
}

func TestAnalyzeJSON_SchemaFailure(t *testing.T) {
	report := AnalyzeJSON([]byte(`{"name":"x","nodes":[{"id":"a","type":"webhook"}],"edges":[{"fromNodeId":"a","toNodeId":"ghost"}]}`), nil)

	assert.False(t, report.Success)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "ghost")
	assert.Empty(t, report.Annotations)
}

func TestCheck(t *testing.T) {
	report := Check([]byte(`not json`))
	assert.False(t, report.Success)
	assert.Len(t, report.Issues, 1)
}
