package analyzer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"pinga/service/notification"
	"pinga/service/util"
)

// Generic builds a notification from any JSON object by looking at
// commonly used keys.
type Generic struct{}

var (
	titleKeys   = []string{"event", "type", "name"}
	messageKeys = []string{"message", "text", "description", "summary"}
	fieldKeys   = []struct{ key, label string }{
		{"status", "📊 Status"},
		{"state", "📊 State"},
		{"environment", "🎯 Env"},
		{"branch", "🌿 Branch"},
		{"repository", "📦 Repo"},
		{"service", "🧩 Service"},
		{"user", "👤"},
	}
	linkKeys = []struct{ key, label string }{
		{"url", "Open"},
		{"html_url", "Open"},
		{"link", "Open"},
		{"dashboard_url", "Dashboard"},
		{"logs_url", "Logs"},
	}
)

func (g Generic) AnalyzeSource(source string, body []byte) (Result, error) {
	if source == "" {
		source = "webhook"
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return Result{}, fmt.Errorf("invalid %s payload: %w", source, err)
	}

	eventType := firstString(obj, "event", "type", "action")

	title := scalar(obj["title"])
	if title == "" {
		if name := firstString(obj, titleKeys...); name != "" {
			title = notification.Humanize(name)
		} else {
			title = notification.Humanize(source) + " Event"
		}
	}
	title = notification.Truncate(title)

	p := notification.Payload{
		Title:      title,
		Emoji:      defaultEmoji,
		Source:     source,
		EventType:  eventType,
		Repository: scalar(obj["repository"]),
		Service:    scalar(obj["service"]),
	}

	if msg := firstString(obj, messageKeys...); msg != "" {
		p.AddField("💬", notification.Truncate(util.FirstLine(msg)))
	}
	for _, f := range fieldKeys {
		if v := scalar(obj[f.key]); v != "" {
			p.AddField(f.label, notification.Truncate(v))
		}
	}
	seen := map[string]bool{}
	for _, l := range linkKeys {
		u := scalar(obj[l.key])
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		p.AddLink(l.label, u)
	}

	return Result{Source: source, EventType: eventType, Notification: p}, nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := scalar(obj[k]); v != "" {
			return v
		}
	}
	return ""
}

// scalar renders strings, numbers and booleans. Nested values yield "".
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
