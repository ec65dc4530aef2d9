package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pinga/service/config"
	"pinga/service/database/dbtest"
	"pinga/service/delivery"
	"pinga/service/subscription"
	"pinga/service/util"
)

const (
	testAPIKey   = "admin-key"
	testSecret   = "agent-secret"
	testBotToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"
	testPublic   = "https://pinga.test"
)

const pushBody = `{"ref":"refs/heads/main","compare":"https://github.com/acme/api/compare/a...b",
	"repository":{"full_name":"acme/api","html_url":"https://github.com/acme/api"},
	"pusher":{"name":"octocat"},"sender":{"login":"octocat"},
	"commits":[{"id":"a"}],
	"head_commit":{"message":"Fix retries","url":"https://github.com/acme/api/commit/a"}}`

// recorder is a fake upstream that remembers every request body.
type recorder struct {
	*httptest.Server
	mu     sync.Mutex
	paths  []string
	bodies []string
	status atomic.Int32
}

func newRecorder(t *testing.T, reply string) *recorder {
	t.Helper()
	rec := &recorder{}
	rec.status.Store(http.StatusOK)
	rec.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.bodies = append(rec.bodies, string(b))
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(rec.status.Load()))
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(rec.Close)
	return rec
}

func (rec *recorder) requests() ([]string, []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.paths...), append([]string(nil), rec.bodies...)
}

type testEnv struct {
	server   *Server
	telegram *recorder
	agent    *recorder
	channel  *recorder
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		telegram: newRecorder(t, `{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":42,"type":"private"},"id":1,"is_bot":true,"first_name":"Pinga","username":"pinga_bot"}}`),
		agent:    newRecorder(t, `{"accepted":true}`),
		channel:  newRecorder(t, ``),
	}

	cfg := &config.Config{
		Port:             8080,
		APIKey:           testAPIKey,
		RateLimit:        100,
		StoragePath:      ":memory:",
		PublicURL:        testPublic,
		TelegramBotToken: testBotToken,
		TelegramAPIURL:   env.telegram.URL,
		DevflowAPISecret: testSecret,
		AgentHostURL:     env.agent.URL,
		DeliveryTimeout:  5 * time.Second,
		TaskStore:        "memory",
		TaskMappingTTL:   time.Hour,
		EventRetention:   time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := build(cfg, "test", dbtest.Open(t), util.NopLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	env.server = s
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (env *testEnv) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + testAPIKey})
}

// createUser adds a user with a webhook channel pointing at env.channel.
func (env *testEnv) createUser(t *testing.T) string {
	t.Helper()

	rr := env.admin(t, http.MethodPost, "/api/admin/users", `{"email":"dev@example.com"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rr.Code, rr.Body)
	}
	var u subscription.User
	decode(t, rr, &u)

	rr = env.admin(t, http.MethodPost, "/api/admin/users/"+u.ID+"/channels",
		`{"type":"webhook","name":"CI hook","config":{"webhookUrl":"`+env.channel.URL+`","secret":"hook-secret"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create channel: %d %s", rr.Code, rr.Body)
	}
	return u.ID
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
}

func githubHeaders(event string) map[string]string {
	return map[string]string{"X-GitHub-Event": event, "X-GitHub-Delivery": "d-1"}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got healthResponse
	decode(t, rr, &got)
	if got.Status != "ok" || got.Version != "test" {
		t.Errorf("health = %+v", got)
	}
	if !got.Integrations["telegram"] || got.Integrations["slack"] || !got.Integrations["webpush"] {
		t.Errorf("integrations = %v", got.Integrations)
	}
	if got.Telegram == nil || !got.Telegram.Linked || got.Telegram.Account != "@pinga_bot" {
		t.Errorf("telegram = %+v", got.Telegram)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Bearer " + testAPIKey, http.StatusOK},
		{"basic", "Basic " + basic("admin", testAPIKey), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.auth != "" {
				headers["Authorization"] = tt.auth
			}
			rr := env.do(t, http.MethodGet, "/api/admin/users", "", headers)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
}

func basic(user, pass string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(user, pass)
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Basic ")
}

func TestAdminChannels(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := env.createUser(t)

	rr := env.admin(t, http.MethodGet, "/api/admin/users/"+userID+"/channels", "")
	var channels []subscription.Channel
	decode(t, rr, &channels)
	if len(channels) != 1 {
		t.Fatalf("channels = %d", len(channels))
	}
	ch := channels[0]
	if strings.Contains(string(ch.Config), "hook-secret") || !strings.Contains(string(ch.Config), subscription.RedactedValue) {
		t.Errorf("secret not redacted: %s", ch.Config)
	}

	t.Run("update keeps redacted secret", func(t *testing.T) {
		rr := env.admin(t, http.MethodPut, "/api/admin/channels/"+ch.ID,
			`{"name":"Renamed","config":`+string(ch.Config)+`}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d %s", rr.Code, rr.Body)
		}
		stored, err := env.server.users.GetChannel(t.Context(), ch.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Name != "Renamed" || !strings.Contains(string(stored.Config), "hook-secret") {
			t.Errorf("stored = %s %s", stored.Name, stored.Config)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		rr := env.admin(t, http.MethodPost, "/api/admin/users/"+userID+"/channels", `{"type":"discord","config":{}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rr.Code)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		rr := env.admin(t, http.MethodPost, "/api/admin/users/nobody/channels",
			`{"type":"webhook","config":{"webhookUrl":"https://example.com/hook"}}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d", rr.Code)
		}
	})

	t.Run("test send", func(t *testing.T) {
		rr := env.admin(t, http.MethodPost, "/api/admin/channels/"+ch.ID+"/test", "")
		var got struct {
			Sent    bool              `json:"sent"`
			Results []delivery.Result `json:"results"`
		}
		decode(t, rr, &got)
		if !got.Sent || len(got.Results) != 1 {
			t.Errorf("test send = %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if rr := env.admin(t, http.MethodDelete, "/api/admin/channels/"+ch.ID, ""); rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		if rr := env.admin(t, http.MethodDelete, "/api/admin/channels/"+ch.ID, ""); rr.Code != http.StatusNotFound {
			t.Errorf("second delete status = %d", rr.Code)
		}
	})
}

type webhookResult struct {
	Success    bool              `json:"success"`
	Source     string            `json:"source"`
	SourceHint string            `json:"sourceHint"`
	PayloadID  string            `json:"payloadId"`
	PayloadURL string            `json:"payloadUrl"`
	Sent       bool              `json:"sent"`
	RoutedVia  string            `json:"routedVia"`
	Results    []delivery.Result `json:"results"`
}

func TestWebhookDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := env.createUser(t)

	rr := env.do(t, http.MethodPost, "/api/webhook/github?userId="+userID, pushBody, githubHeaders("push"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body)
	}

	var got webhookResult
	decode(t, rr, &got)
	if !got.Success || !got.Sent || got.Source != "github" || got.RoutedVia != "user" {
		t.Errorf("response = %+v", got)
	}
	if got.PayloadURL != testPublic+"/api/payloads/"+got.PayloadID {
		t.Errorf("payloadUrl = %q", got.PayloadURL)
	}
	if len(got.Results) != 1 || got.Results[0].Channel != subscription.ChannelWebhook || !got.Results[0].Success {
		t.Errorf("results = %+v", got.Results)
	}

	_, bodies := env.channel.requests()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "acme/api") || !strings.Contains(bodies[0], got.PayloadURL) {
		t.Errorf("channel received %v", bodies)
	}
	if len(bodies) == 1 && strings.Contains(bodies[0], "rawPayload") {
		t.Errorf("raw payload forwarded to webhook channel: %s", bodies[0])
	}

	t.Run("payload is retrievable", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/payloads/"+got.PayloadID, "", nil)
		if rr.Code != http.StatusOK || rr.Body.String() != pushBody {
			t.Errorf("payload = %d %q", rr.Code, rr.Body)
		}
		if rr := env.do(t, http.MethodGet, "/api/payloads/missing", "", nil); rr.Code != http.StatusNotFound {
			t.Errorf("missing payload status = %d", rr.Code)
		}
	})

	t.Run("event marked processed", func(t *testing.T) {
		rr := env.admin(t, http.MethodGet, "/api/admin/events/"+got.PayloadID, "")
		var ev struct {
			Status    string `json:"status"`
			EventType string `json:"eventType"`
		}
		decode(t, rr, &ev)
		if ev.Status != "processed" {
			t.Errorf("event = %+v", ev)
		}
	})
}

func TestWebhookUnreadableChannelSecret(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.CredentialEncryptionKey = "master" })
	userID := env.createUser(t)

	rr := env.admin(t, http.MethodPost, "/api/admin/users/"+userID+"/channels",
		`{"type":"webhook","name":"Backup hook","config":{"webhookUrl":"`+env.channel.URL+`"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create channel: %d %s", rr.Code, rr.Body)
	}
	if _, err := env.server.db.Exec(`UPDATE channels SET config = json_set(config, '$.secret', 'enc:v1:AAAA') WHERE name = 'CI hook'`); err != nil {
		t.Fatal(err)
	}

	rr = env.do(t, http.MethodPost, "/api/webhook/github?userId="+userID, pushBody, githubHeaders("push"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body)
	}
	var got webhookResult
	decode(t, rr, &got)
	if !got.Sent || len(got.Results) != 2 {
		t.Fatalf("response = %+v", got)
	}
	for _, res := range got.Results {
		if res.Name == "CI hook" && (res.Success || res.Error == "") {
			t.Errorf("unreadable channel result = %+v", res)
		}
		if res.Name == "Backup hook" && !res.Success {
			t.Errorf("readable channel result = %+v", res)
		}
	}
	if _, bodies := env.channel.requests(); len(bodies) != 1 {
		t.Errorf("channel received %d notifications, want 1", len(bodies))
	}
}

func TestWebhookEdgeCases(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := env.createUser(t)

	t.Run("malformed body", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/webhook/render", "not json", nil)
		if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), webhookFailed) {
			t.Errorf("response = %d %s", rr.Code, rr.Body)
		}
	})

	t.Run("no recipient", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/webhook/render", `{"event":"deploy","service":"api"}`, nil)
		var got webhookResult
		decode(t, rr, &got)
		if rr.Code != http.StatusOK || !got.Success || got.Sent || got.SourceHint != "render" {
			t.Errorf("response = %d %+v", rr.Code, got)
		}
	})

	t.Run("unknown user falls through", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/webhook/render?userId=ghost", `{"event":"deploy"}`, nil)
		var got webhookResult
		decode(t, rr, &got)
		if rr.Code != http.StatusOK || got.Sent {
			t.Errorf("response = %d %+v", rr.Code, got)
		}
	})

	t.Run("source outside allow-list", func(t *testing.T) {
		if rr := env.admin(t, http.MethodPut, "/api/admin/users/"+userID+"/preferences", `{"allowedSources":["github"]}`); rr.Code != http.StatusOK {
			t.Fatalf("preferences status = %d", rr.Code)
		}
		rr := env.do(t, http.MethodPost, "/api/webhook/render?userId="+userID, `{"event":"deploy"}`, nil)
		var got webhookResult
		decode(t, rr, &got)
		if got.Sent || len(got.Results) != 0 {
			t.Errorf("response = %+v", got)
		}
		if _, bodies := env.channel.requests(); len(bodies) != 0 {
			t.Errorf("channel received %d notifications", len(bodies))
		}
	})

	t.Run("chat platform source", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/webhook/slack", `{}`, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d", rr.Code)
		}
	})
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.GitHubWebhookSecret = "shh" })

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte(pushBody))
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "sha256=" + strings.Repeat("0", 64), http.StatusUnauthorized},
		{"valid", valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := githubHeaders("push")
			if tt.signature != "" {
				headers["X-Hub-Signature-256"] = tt.signature
			}
			rr := env.do(t, http.MethodPost, "/api/webhook/github", pushBody, headers)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body)
			}
		})
	}
}

func TestInstallationRouting(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := env.createUser(t)

	created := `{"action":"created","installation":{"id":77,"account":{"login":"acme","id":5,"type":"Organization"},
		"repository_selection":"all"},"sender":{"login":"octocat"}}`
	rr := env.do(t, http.MethodPost, "/api/webhook/github", created, githubHeaders("installation"))
	if rr.Code != http.StatusOK {
		t.Fatalf("installation status = %d %s", rr.Code, rr.Body)
	}

	rr = env.admin(t, http.MethodGet, "/api/admin/installations", "")
	var installs []subscription.Installation
	decode(t, rr, &installs)
	if len(installs) != 1 || installs[0].InstallationID != 77 || installs[0].Claimed() {
		t.Fatalf("installations = %+v", installs)
	}

	push := strings.Replace(pushBody, `"commits"`, `"installation":{"id":77},"commits"`, 1)

	rr = env.do(t, http.MethodPost, "/api/webhook/github", push, githubHeaders("push"))
	var before webhookResult
	decode(t, rr, &before)
	if before.Sent {
		t.Errorf("unclaimed installation delivered: %+v", before)
	}

	if rr := env.admin(t, http.MethodPost, "/api/admin/installations/77/claim", `{"userId":"`+userID+`"}`); rr.Code != http.StatusOK {
		t.Fatalf("claim status = %d %s", rr.Code, rr.Body)
	}

	rr = env.do(t, http.MethodPost, "/api/webhook/github", push, githubHeaders("push"))
	var after webhookResult
	decode(t, rr, &after)
	if !after.Sent || after.RoutedVia != "installation" {
		t.Errorf("claimed installation response = %+v", after)
	}

	t.Run("claim unknown installation", func(t *testing.T) {
		rr := env.admin(t, http.MethodPost, "/api/admin/installations/99/claim", `{"userId":"`+userID+`"}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d", rr.Code)
		}
	})
}

func TestCopilot(t *testing.T) {
	env := newTestEnv(t, nil)
	secret := map[string]string{"X-API-Secret": testSecret}

	command := `{"taskId":"t-1","source":{"channel":"telegram","chatId":"42","messageId":"9"},
		"payload":{"intent":"fix-bug","repo":"acme/api","naturalLanguage":"fix the login bug"}}`

	t.Run("rejects missing secret", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/copilot/command", command, nil)
		if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "Unauthorized") {
			t.Errorf("response = %d %s", rr.Code, rr.Body)
		}
	})

	t.Run("forwards command", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/copilot/command", command, secret)
		var got commandResponse
		decode(t, rr, &got)
		if rr.Code != http.StatusOK || !got.OK || got.TaskID != "t-1" || got.Message != "Command forwarded to Agent Host" {
			t.Errorf("response = %d %+v", rr.Code, got)
		}
		paths, _ := env.agent.requests()
		if len(paths) != 1 || paths[0] != "/command" {
			t.Errorf("agent paths = %v", paths)
		}
	})

	t.Run("relays task update", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/copilot/task-update",
			`{"taskId":"t-1","status":"completed","step":"Opened PR","progress":1}`, secret)
		var got taskUpdateResponse
		decode(t, rr, &got)
		if rr.Code != http.StatusOK || !got.OK || !got.Delivered {
			t.Errorf("response = %d %+v", rr.Code, got)
		}

		paths, bodies := env.telegram.requests()
		last := len(paths) - 1
		if last < 0 || !strings.HasSuffix(paths[last], "/sendMessage") || !strings.Contains(bodies[last], "42") {
			t.Errorf("telegram calls = %v", paths)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/copilot/task-update", `{"taskId":"nope","status":"completed"}`, secret)
		if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "Task not found") {
			t.Errorf("response = %d %s", rr.Code, rr.Body)
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/copilot/task-update", `{"taskId":"t-1","status":"paused"}`, secret)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rr.Code)
		}
	})

	t.Run("invalid command", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/copilot/command", `{"taskId":"t-2"}`, secret)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rr.Code)
		}
	})

	t.Run("agent host failure", func(t *testing.T) {
		env.agent.status.Store(http.StatusInternalServerError)
		rr := env.do(t, http.MethodPost, "/api/copilot/command", strings.Replace(command, "t-1", "t-3", 1), secret)
		if rr.Code != http.StatusBadGateway || !strings.Contains(rr.Body.String(), "Agent Host error: 500") {
			t.Errorf("response = %d %s", rr.Code, rr.Body)
		}
	})
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createUser(t)
	env.do(t, http.MethodPost, "/api/webhook/render", `{"event":"deploy"}`, nil)

	rr := env.admin(t, http.MethodGet, "/api/admin/stats", "")
	var got struct {
		Users    int            `json:"users"`
		Channels int            `json:"channels"`
		Events   map[string]int `json:"events"`
	}
	decode(t, rr, &got)
	if got.Users != 1 || got.Channels != 1 || got.Events["ignored"] != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.RateLimit = 1 })

	hit := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/payloads/missing", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rr, req)
		return rr.Code
	}

	var limited bool
	for range 5 {
		if hit("203.0.113.7:4000") == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("remote client was never limited")
	}

	for range 5 {
		if code := hit("127.0.0.1:4000"); code == http.StatusTooManyRequests {
			t.Fatal("loopback client was limited")
		}
	}
}
