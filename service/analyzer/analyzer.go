package analyzer

import (
	"net/http"

	"pinga/service/notification"
)

// Analyzer turns an inbound webhook body into a notification. Analyzers are
// pure: the same body and headers always yield the same Result.
type Analyzer interface {
	Name() string
	CanHandle(headers http.Header) bool
	Analyze(body []byte, headers http.Header) (Result, error)
}

type Result struct {
	Source         string
	EventType      string
	InstallationID int64
	Installation   *InstallationChange
	Notification   notification.Payload
}

// InstallationChange describes a GitHub App installation being created or
// removed.
type InstallationChange struct {
	Action              string
	InstallationID      int64
	AccountLogin        string
	AccountID           int64
	AccountType         string
	RepositorySelection string
}

// Registry picks the first analyzer able to handle a request and falls
// back to the generic analyzer.
type Registry struct {
	analyzers []Analyzer
	fallback  *Generic
}

func NewRegistry(analyzers ...Analyzer) *Registry {
	return &Registry{analyzers: analyzers, fallback: &Generic{}}
}

// Default returns a registry with every built-in analyzer.
func Default() *Registry {
	return NewRegistry(&GitHub{})
}

// Analyze runs the matching analyzer. sourceHint names the generic source
// when no analyzer claims the request.
func (r *Registry) Analyze(sourceHint string, body []byte, headers http.Header) (Result, error) {
	for _, a := range r.analyzers {
		if a.CanHandle(headers) {
			return a.Analyze(body, headers)
		}
	}
	return r.fallback.AnalyzeSource(sourceHint, body)
}
