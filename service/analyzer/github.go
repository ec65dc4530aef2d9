package analyzer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"

	"pinga/service/notification"
	"pinga/service/util"
)

const SourceGitHub = "github"

const defaultEmoji = "📡"

var eventEmojis = map[string]string{
	"push":                      "📤",
	"pull_request":              "🔀",
	"release":                   "🏷️",
	"deployment":                "🚀",
	"deployment_status":         "📊",
	"issues":                    "🐛",
	"star":                      "⭐",
	"fork":                      "🍴",
	"installation":              "🔌",
	"installation_repositories": "🔌",
	"check_run":                 "✅",
	"workflow_run":              "⚙️",
}

// GitHub analyzes GitHub and GitHub App webhooks.
type GitHub struct{}

func (GitHub) Name() string { return SourceGitHub }

func (GitHub) CanHandle(h http.Header) bool {
	return h.Get(github.EventTypeHeader) != "" ||
		h.Get(github.DeliveryIDHeader) != "" ||
		strings.Contains(h.Get("User-Agent"), "GitHub-Hookshot")
}

// common holds the fields every GitHub event may carry.
type common struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (g GitHub) Analyze(body []byte, headers http.Header) (Result, error) {
	var c common
	if err := json.Unmarshal(body, &c); err != nil {
		return Result{}, fmt.Errorf("invalid github payload: %w", err)
	}

	eventType := headers.Get(github.EventTypeHeader)
	if eventType == "" {
		eventType = "unknown"
	}

	res := Result{Source: SourceGitHub, EventType: eventType, InstallationID: c.Installation.ID}

	emoji, ok := eventEmojis[eventType]
	if !ok {
		emoji = defaultEmoji
	}

	var p notification.Payload
	switch eventType {
	case "push", "pull_request", "release", "deployment_status", "installation", "installation_repositories", "workflow_run":
		event, err := github.ParseWebHook(eventType, body)
		if err != nil {
			return Result{}, fmt.Errorf("parsing %s event: %w", eventType, err)
		}
		p = g.typed(event, emoji, &res)
	default:
		p = generic(c, eventType, emoji)
	}

	p.Source = SourceGitHub
	p.EventType = eventType
	if p.Repository == "" {
		p.Repository = c.Repository.FullName
	}
	res.Notification = p
	return res, nil
}

func (GitHub) typed(event any, emoji string, res *Result) notification.Payload {
	switch e := event.(type) {
	case *github.PushEvent:
		return push(e, emoji)
	case *github.PullRequestEvent:
		return pullRequest(e, emoji)
	case *github.ReleaseEvent:
		return release(e, emoji)
	case *github.DeploymentStatusEvent:
		return deploymentStatus(e)
	case *github.InstallationEvent:
		res.Installation = &InstallationChange{
			Action:              e.GetAction(),
			InstallationID:      e.GetInstallation().GetID(),
			AccountLogin:        e.GetInstallation().GetAccount().GetLogin(),
			AccountID:           e.GetInstallation().GetAccount().GetID(),
			AccountType:         e.GetInstallation().GetAccount().GetType(),
			RepositorySelection: e.GetInstallation().GetRepositorySelection(),
		}
		return installation(e, emoji)
	case *github.InstallationRepositoriesEvent:
		return installationRepositories(e, emoji)
	case *github.WorkflowRunEvent:
		return workflowRun(e, emoji)
	}
	return notification.Payload{Emoji: emoji}
}

func push(e *github.PushEvent, emoji string) notification.Payload {
	branch := strings.TrimPrefix(e.GetRef(), "refs/heads/")
	if branch == "" {
		branch = "unknown"
	}
	repo := e.GetRepo().GetFullName()
	if repo == "" {
		repo = "unknown"
	}

	p := notification.Payload{Title: "Push to " + branch, Emoji: emoji, Repository: e.GetRepo().GetFullName()}
	p.AddField("📦 Repo", repo)
	p.AddField("🌿 Branch", branch)
	if n := len(e.Commits); n > 0 {
		p.AddField("📝 Commits", strconv.Itoa(n))
	}
	if msg := e.GetHeadCommit().GetMessage(); msg != "" {
		p.AddField("💬 Latest", notification.Truncate(util.FirstLine(msg)))
	}
	if name := e.GetPusher().GetName(); name != "" {
		p.AddField("👤 By", name)
	}
	p.AddLink("Compare", e.GetCompare())
	p.AddLink("Commit", e.GetHeadCommit().GetURL())
	return p
}

func pullRequest(e *github.PullRequestEvent, emoji string) notification.Payload {
	pr := e.GetPullRequest()
	action := e.GetAction()
	if action == "" {
		action = "updated"
	}

	title := "PR " + strings.ToUpper(action[:1]) + action[1:]
	if action == "closed" && pr.GetMerged() {
		title = "PR Merged"
		emoji = "✅"
	}

	p := notification.Payload{Title: title, Emoji: emoji, Repository: e.GetRepo().GetFullName()}
	if t := pr.GetTitle(); t != "" {
		p.AddField("📋 Title", notification.Truncate(t))
	}
	if n := pr.GetNumber(); n != 0 {
		p.AddField("#️⃣", "#"+strconv.Itoa(n))
	}
	if head, base := pr.GetHead().GetRef(), pr.GetBase().GetRef(); head != "" && base != "" {
		p.AddField("🔀", head+" → "+base)
	}
	if login := pr.GetUser().GetLogin(); login != "" {
		p.AddField("👤", login)
	}
	p.AddLink("View PR", pr.GetHTMLURL())
	return p
}

func release(e *github.ReleaseEvent, emoji string) notification.Payload {
	r := e.GetRelease()
	p := notification.Payload{Title: "Release Published", Emoji: emoji, Repository: e.GetRepo().GetFullName()}
	if tag := r.GetTagName(); tag != "" {
		p.AddField("🏷️ Version", tag)
	}
	if name := r.GetName(); name != "" {
		p.AddField("📋 Name", name)
	}
	if repo := e.GetRepo().GetFullName(); repo != "" {
		p.AddField("📦 Repo", repo)
	}
	p.AddLink("Release", r.GetHTMLURL())
	return p
}

func deploymentStatus(e *github.DeploymentStatusEvent) notification.Payload {
	s := e.GetDeploymentStatus()
	state := s.GetState()
	if state == "" {
		state = "unknown"
	}

	p := notification.Payload{Title: "Deploy " + state, Emoji: outcomeEmoji(state, "🔄"), Repository: e.GetRepo().GetFullName()}
	if env := e.GetDeployment().GetEnvironment(); env != "" {
		p.AddField("🎯 Env", env)
	}
	if ref := e.GetDeployment().GetRef(); ref != "" {
		p.AddField("🌿 Ref", ref)
	}
	if desc := s.GetDescription(); desc != "" {
		p.AddField("📝", notification.Truncate(desc))
	}
	p.AddLink("Preview", s.GetEnvironmentURL())
	p.AddLink("Logs", s.GetLogURL())
	return p
}

func installation(e *github.InstallationEvent, emoji string) notification.Payload {
	p := notification.Payload{Title: "GitHub App Installation", Emoji: emoji}
	p.AddField("👤 Account", accountLogin(e.GetInstallation()))
	action := e.GetAction()
	if action == "" {
		action = "updated"
	}
	p.AddField("⚡ Action", action)
	return p
}

func installationRepositories(e *github.InstallationRepositoriesEvent, emoji string) notification.Payload {
	p := notification.Payload{Title: "GitHub App Installation", Emoji: emoji}
	p.AddField("👤 Account", accountLogin(e.GetInstallation()))
	if n := len(e.RepositoriesAdded); n > 0 {
		p.AddField("➕ Added", fmt.Sprintf("%d repo(s)", n))
	}
	if n := len(e.RepositoriesRemoved); n > 0 {
		p.AddField("➖ Removed", fmt.Sprintf("%d repo(s)", n))
	}
	return p
}

func workflowRun(e *github.WorkflowRunEvent, emoji string) notification.Payload {
	w := e.GetWorkflowRun()
	status := w.GetStatus()
	if status == "" {
		status = "unknown"
	}
	conclusion := w.GetConclusion()
	if conclusion == "" {
		conclusion = "pending"
	}
	name := w.GetName()
	if name == "" {
		name = "unknown"
	}

	p := notification.Payload{Title: "Workflow Run", Emoji: outcomeEmoji(conclusion, emoji), Repository: e.GetRepo().GetFullName()}
	p.AddField("⚙️ Workflow", name)
	if conclusion != "pending" {
		p.AddField("📊 Status", conclusion)
	} else {
		p.AddField("📊 Status", status)
	}
	if branch := w.GetHeadBranch(); branch != "" {
		p.AddField("🌿 Branch", branch)
	}
	if repo := e.GetRepo().GetFullName(); repo != "" {
		p.AddField("📦 Repo", repo)
	}
	p.AddLink("Details", w.GetHTMLURL())
	return p
}

func generic(c common, eventType, emoji string) notification.Payload {
	p := notification.Payload{Title: notification.Humanize(eventType), Emoji: emoji}
	if repo := c.Repository.FullName; repo != "" {
		p.AddField("📦 Repo", repo)
	}
	if c.Action != "" {
		p.AddField("⚡", c.Action)
	}
	if c.Sender.Login != "" {
		p.AddField("👤", c.Sender.Login)
	}
	p.AddLink("Repo", c.Repository.HTMLURL)
	return p
}

func accountLogin(inst *github.Installation) string {
	if login := inst.GetAccount().GetLogin(); login != "" {
		return login
	}
	return "unknown"
}

func outcomeEmoji(outcome, otherwise string) string {
	switch outcome {
	case "success":
		return "✅"
	case "failure":
		return "❌"
	default:
		return otherwise
	}
}
