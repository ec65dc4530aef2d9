package devflow

import (
	"regexp"
	"strings"

	"pinga/service/notification"
)

type Intent string

const (
	IntentFixBug   Intent = "fix-bug"
	IntentFeature  Intent = "feature"
	IntentExplain  Intent = "explain"
	IntentReviewPR Intent = "review-pr"
	IntentDeploy   Intent = "deploy"
)

const prefix = "!devflow"

var (
	commandPattern = regexp.MustCompile(`(?i)^!devflow\s+(fix-bug|fix|feature|explain|review-pr|deploy)\s+(.+)$`)
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
)

// Command is a parsed chat message. IsDevflow is set for anything starting
// with !devflow; Intent is empty when the rest could not be parsed.
type Command struct {
	IsDevflow   bool
	Intent      Intent
	Repo        string
	Branch      string
	Description string
	RawText     string
}

// Parse reads "!devflow <intent> [owner/repo [branch]] <description>".
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(strings.ToLower(trimmed), prefix) {
		return Command{RawText: text}
	}

	match := commandPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return Command{IsDevflow: true, Description: "Invalid devflow command format", RawText: text}
	}

	intent := Intent(strings.ToLower(match[1]))
	if intent == "fix" {
		intent = IntentFixBug
	}

	rest := match[2]
	parts := strings.Fields(rest)

	var repo, branch string
	if len(parts) > 0 && strings.Contains(parts[0], "/") {
		repo, parts = parts[0], parts[1:]
		if len(parts) > 0 && branchPattern.MatchString(parts[0]) {
			branch, parts = parts[0], parts[1:]
		}
	}

	description := strings.Join(parts, " ")
	if description == "" {
		description = rest
	}

	return Command{
		IsDevflow:   true,
		Intent:      intent,
		Repo:        repo,
		Branch:      branch,
		Description: description,
		RawText:     text,
	}
}

// HelpText lists the supported commands in the given chat dialect.
func HelpText(m notification.Markup) string {
	sections := []struct{ title, example string }{
		{"Fix Bugs", "!devflow fix owner/repo Fix the auth bug"},
		{"Implement Features", "!devflow feature owner/repo Add CSV export"},
		{"Explain Code", "!devflow explain owner/repo Explain authentication flow"},
		{"Review PRs", "!devflow review-pr owner/repo Provide feedback on PR #123"},
		{"Optional: Specify branch", "!devflow fix owner/repo develop Fix the bug"},
	}

	var b strings.Builder
	b.WriteString("🤖 " + m.Bold("Devflow AI DevOps Agent") + "\n\n")
	b.WriteString(m.Escape("Use these commands to automate development tasks:") + "\n\n")
	for _, s := range sections {
		b.WriteString(m.Bold(s.title) + "\n" + m.Code(s.example) + "\n\n")
	}
	b.WriteString("⏳ " + m.Escape("The agent will clone the repo, understand your request, and take action!") + "\n")
	b.WriteString("📊 " + m.Escape("You'll receive real-time progress updates as the task executes.") + "\n")
	b.WriteString("✅ " + m.Escape("When complete, you'll get a link to the created PR or result."))
	return b.String()
}
