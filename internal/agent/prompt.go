package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/QwavePune/aws-infra-agent-bot/internal/tools"
)

// SystemPrompt seeds every new conversation thread.
const SystemPrompt = "You are an AWS infrastructure execution engine. " +
	"When an action is required, respond only with a tool call; do not narrate or ask for permission. " +
	"Tool calls are executed for you and their results are returned to you. " +
	"1. Before any AWS change, call get_user_permissions to confirm the caller identity. " +
	"2. To discover resources call list_account_inventory for a summary, or list_aws_resources for one resource type. " +
	"3. For details about one resource call describe_resource with its id or ARN. " +
	"4. Creation tools only support mode='terraform'. " +
	"5. For ECS deployments use the guided flow: start_ecs_deployment_workflow, update_ecs_deployment_workflow, review_ecs_deployment_workflow, then create_ecs_service. " +
	"6. After a create_* tool returns a project_name, call terraform_plan and then terraform_apply with that exact project_name in the same run. " +
	"7. For read-only requests (list, summarize, describe, inventory) never call creation, deployment or destruction tools. " +
	"8. If a tool returns missing_fields, ask the user for each missing field before any create or apply step. " +
	"9. Only answer in text after all relevant tools have finished."

// Messages asking what the agent can do are answered from the registry
// without invoking the model.
var capabilityPhrases = []string{
	"what can you do",
	"what all can you do",
	"capabilities",
	"help me with",
	"how can you help",
}

func isCapabilitiesQuestion(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range capabilityPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var kindHeadings = []struct {
	kind  tools.Kind
	title string
}{
	{tools.KindReadOnly, "Inspect your account"},
	{tools.KindProvisioning, "Provision infrastructure with Terraform"},
	{tools.KindWorkflow, "Guided deployments"},
	{tools.KindLifecycle, "Plan, apply and destroy"},
}

func capabilitiesText(reg *tools.Registry, backendActive bool) string {
	if reg == nil || !backendActive {
		return "No infrastructure backend is selected for this conversation, so I can only answer questions. " +
			"Select the aws_terraform backend to inspect or change AWS resources."
	}
	var b strings.Builder
	b.WriteString("I can work with your AWS account through these tools:\n")
	for _, h := range kindHeadings {
		var lines []string
		for _, t := range reg.List() {
			if t.Kind == h.kind {
				lines = append(lines, fmt.Sprintf("- `%s`: %s", t.Name, firstSentence(t.Description)))
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n**%s**\n%s\n", h.title, strings.Join(lines, "\n"))
	}
	b.WriteString("\nChanges to infrastructure may need approval from a checker profile before they run.")
	return b.String()
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}

// followUpText turns a missing-fields result into questions for the user.
func followUpText(res tools.Result) string {
	missing := res.MissingFields()
	if len(missing) == 0 {
		return ""
	}
	questions := res.Questions()
	var b strings.Builder
	b.WriteString("I need a few details to continue:\n")
	for i, field := range missing {
		q := fmt.Sprintf("Please provide value for '%s'.", field)
		if i < len(questions) && strings.TrimSpace(questions[i]) != "" {
			q = questions[i]
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("Reply with the values, and I will continue.")
	return b.String()
}

func blockMessage(tool string) string {
	return fmt.Sprintf("Blocked mutating tool '%s' because user intent is read-only. "+
		"Use list_account_inventory, list_aws_resources, or describe_resource.", tool)
}

func queuedMessage(requestID string, checkers []string) string {
	return fmt.Sprintf("Queued for maker-checker approval as request %s. A checker profile (%s) must approve and execute it.",
		requestID, strings.Join(checkers, ", "))
}

// chunks splits s into pieces of at most size bytes without splitting a
// UTF-8 sequence.
func chunks(s string, size int) []string {
	var out []string
	for len(s) > 0 {
		n := size
		if n >= len(s) {
			out = append(out, s)
			break
		}
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			n = size
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}
