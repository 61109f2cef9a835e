package generator

import (
	"strings"
	"unicode"

	"github.com/songzhibin97/autoflow/types"
)

// Template is a deterministic workflow used when no model output is usable.
type Template struct {
	Name     string
	Keywords []string
	Build    func(prompt string) types.Workflow
}

// Templates in match order. The last one has no keywords and always matches.
var Templates = []Template{
	{Name: "contact-form", Keywords: []string{"email", "contact", "form"}, Build: contactForm},
	{Name: "publishing", Keywords: []string{"content", "blog", "post"}, Build: publishing},
	{Name: "passthrough", Build: passthrough},
}

// Select returns the first template with a keyword among the words of
// prompt. A keyword also matches its plural, so "form" matches "forms" but
// not "platform".
func Select(prompt string) Template {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, tpl := range Templates {
		if len(tpl.Keywords) == 0 {
			return tpl
		}
		for _, kw := range tpl.Keywords {
			if words[kw] || words[kw+"s"] {
				return tpl
			}
		}
	}
	return Templates[len(Templates)-1]
}

func contactForm(prompt string) types.Workflow {
	return types.Workflow{
		Name:        "Contact form notifications",
		Description: prompt,
		Nodes: []types.Node{
			{
				ID:      "trigger",
				Type:    types.NodeWebhook,
				Action:  "receive_submission",
				Outputs: []string{"body"},
			},
			{
				ID:     "validate",
				Type:   types.NodeTransform,
				Action: "validate_fields",
				Inputs: map[string]interface{}{
					"source":   "{{trigger.body}}",
					"required": []interface{}{"name", "email", "message"},
				},
				Outputs: []string{"submission"},
			},
			{
				ID:      "send_email",
				Type:    types.NodeEmail,
				Action:  "send_email",
				AuthRef: "email_default",
				Inputs: map[string]interface{}{
					"to":      "{{env.NOTIFY_EMAIL}}",
					"subject": "New contact form submission from {{trigger.body.name}}",
					"body":    "{{validate.submission}}",
				},
			},
			{
				ID:      "slack_notify",
				Type:    types.NodeSlack,
				Action:  "post_message",
				AuthRef: "slack_default",
				Inputs: map[string]interface{}{
					"channel": "{{env.SLACK_CHANNEL}}",
					"text":    "New contact form submission from {{trigger.body.email}}",
				},
			},
		},
		Edges: []types.Edge{
			{FromNodeID: "trigger", FromPort: "body", ToNodeID: "validate", ToPort: "source"},
			{FromNodeID: "validate", FromPort: "submission", ToNodeID: "send_email", ToPort: "body"},
			{FromNodeID: "validate", FromPort: "submission", ToNodeID: "slack_notify", ToPort: "text"},
		},
		Triggers: []types.Trigger{
			{
				Type:   types.TriggerWebhook,
				Config: map[string]interface{}{"path": "/contact-form", "method": "POST"},
				NodeID: "trigger",
			},
		},
		Env: map[string]string{
			"NOTIFY_EMAIL":  "owner@example.com",
			"SLACK_CHANNEL": "#leads",
		},
	}
}

func publishing(prompt string) types.Workflow {
	return types.Workflow{
		Name:        "Content publishing",
		Description: prompt,
		Nodes: []types.Node{
			{
				ID:      "trigger",
				Type:    types.NodeSchedule,
				Action:  "weekly",
				Outputs: []string{"tick"},
			},
			{
				ID:     "generate_content",
				Type:   types.NodeAI,
				Action: "generate_text",
				Inputs: map[string]interface{}{
					"prompt": "Write a blog post. Brief: " + prompt,
				},
				Outputs: []string{"text"},
			},
			{
				ID:      "publish",
				Type:    types.NodeHTTP,
				Action:  "http_request",
				AuthRef: "cms_default",
				Inputs: map[string]interface{}{
					"url":    "{{env.CMS_URL}}",
					"method": "POST",
					"body":   "{{generate_content.text}}",
				},
			},
		},
		Edges: []types.Edge{
			{FromNodeID: "trigger", FromPort: "tick", ToNodeID: "generate_content", ToPort: "prompt"},
			{FromNodeID: "generate_content", FromPort: "text", ToNodeID: "publish", ToPort: "body"},
		},
		Triggers: []types.Trigger{
			{
				Type:   types.TriggerSchedule,
				Config: map[string]interface{}{"cron": "0 9 * * 1"},
				NodeID: "trigger",
			},
		},
		Env: map[string]string{"CMS_URL": "https://cms.example.com/api/posts"},
	}
}

func passthrough(prompt string) types.Workflow {
	return types.Workflow{
		Name:        "Webhook passthrough",
		Description: prompt,
		Nodes: []types.Node{
			{ID: "trigger", Type: types.NodeWebhook, Action: "receive", Outputs: []string{"body"}},
			{
				ID:     "passthrough",
				Type:   types.NodeTransform,
				Action: "identity",
				Inputs: map[string]interface{}{"source": "{{trigger.body}}"},
			},
		},
		Edges: []types.Edge{
			{FromNodeID: "trigger", FromPort: "body", ToNodeID: "passthrough", ToPort: "source"},
		},
		Triggers: []types.Trigger{
			{
				Type:   types.TriggerWebhook,
				Config: map[string]interface{}{"path": "/webhook", "method": "POST"},
				NodeID: "trigger",
			},
		},
	}
}
