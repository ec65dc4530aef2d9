package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"pinga/service/devflow"
	"pinga/service/notification"
	"pinga/service/subscription"
	"pinga/service/util"
)

const testToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"

type apiCall struct {
	Path      string
	ChatID    json.RawMessage `json:"chat_id"`
	Text      string          `json:"text"`
	ParseMode string          `json:"parse_mode"`
}

type fakeBotAPI struct {
	*httptest.Server
	mu    sync.Mutex
	calls []apiCall
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call apiCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		call.Path = r.URL.Path

		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Pinga","username":"pinga_bot"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1,"chat":{"id":42,"type":"private"}}}`))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBotAPI) sent() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func TestEscape(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"v1.2.0", `v1\.2\.0`},
		{"fix: [bug] (#12)!", `fix: \[bug\] \(\#12\)\!`},
		{`a\b`, `a\\b`},
		{"snake_case*bold*", `snake\_case\*bold\*`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Escape(tt.in); got != tt.want {
				t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	p := notification.Payload{
		Title:      "Push",
		Emoji:      "🚀",
		Fields:     []notification.Field{{Label: "Repo", Value: "acme/api"}, {Label: "Branch", Value: "main"}},
		Links:      []notification.Link{{Label: "Compare", URL: "https://github.com/acme/api/compare/a...b"}},
		PayloadURL: "https://pinga.dev/api/payloads/abc",
	}

	t.Run("fields", func(t *testing.T) {
		want := "🚀 *Push*\n\nRepo: acme/api\nBranch: main\n\n🔗 *Links:*\n" +
			"  • [Compare](https://github.com/acme/api/compare/a...b)\n\n" +
			"📄 [View Full Payload](https://pinga.dev/api/payloads/abc)"
		if got := Format(p); got != want {
			t.Errorf("Format() =\n%q\nwant\n%q", got, want)
		}
	})

	t.Run("summary replaces title and fields", func(t *testing.T) {
		s := p
		s.Summary = "New push to main."
		s.Links = nil
		want := "New push to main\\.\n\n\n📄 [View Full Payload](https://pinga.dev/api/payloads/abc)"
		if got := Format(s); got != want {
			t.Errorf("Format() =\n%q\nwant\n%q", got, want)
		}
	})

	t.Run("payload line without url", func(t *testing.T) {
		s := notification.Payload{Title: "Deploy", Emoji: "🚀"}
		want := "🚀 *Deploy*\n\n\n📄 [View Full Payload]()"
		if got := Format(s); got != want {
			t.Errorf("Format() =\n%q\nwant\n%q", got, want)
		}
	})
}

func TestSender(t *testing.T) {
	ctx := context.Background()
	api := newFakeBotAPI(t)
	client := NewClient(api.URL, api.Client())

	t.Run("uses channel credentials", func(t *testing.T) {
		s := NewSender(client, "", "", util.NopLogger())
		res := s.Send(ctx, subscription.TelegramConfig{ChatID: "42", BotToken: testToken}, notification.Payload{Title: "Ping", Emoji: "🔔"})
		if !res.Success {
			t.Fatalf("result = %+v", res)
		}
		calls := api.sent()
		last := calls[len(calls)-1]
		if last.Path != "/bot"+testToken+"/sendMessage" {
			t.Errorf("path = %s", last.Path)
		}
		if string(last.ChatID) != "42" || last.ParseMode != "MarkdownV2" {
			t.Errorf("call = %+v", last)
		}
	})

	t.Run("falls back to global bot", func(t *testing.T) {
		s := NewSender(client, "@alerts", testToken, util.NopLogger())
		res := s.Send(ctx, subscription.TelegramConfig{}, notification.Payload{Title: "Ping"})
		if !res.Success {
			t.Fatalf("result = %+v", res)
		}
		calls := api.sent()
		if got := string(calls[len(calls)-1].ChatID); got != `"@alerts"` {
			t.Errorf("chat_id = %s", got)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		before := len(api.sent())
		s := NewSender(client, "", "", util.NopLogger())
		res := s.Send(ctx, subscription.TelegramConfig{ChatID: "42"}, notification.Payload{Title: "Ping"})
		if res.Success || res.Error == "" {
			t.Fatalf("result = %+v", res)
		}
		if len(api.sent()) != before {
			t.Error("no request expected")
		}
	})
}

type fakeUsers struct {
	mu     sync.Mutex
	users  map[string]string
	failOn string
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*subscription.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return nil, subscription.ErrUserNotFound
	}
	return &subscription.User{ID: id}, nil
}

func (f *fakeUsers) LinkTelegram(_ context.Context, userID, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == f.failOn {
		return context.DeadlineExceeded
	}
	if _, ok := f.users[userID]; !ok {
		return subscription.ErrUserNotFound
	}
	f.users[userID] = chatID
	return nil
}

type fakeCommands struct{}

func (fakeCommands) Handle(_ context.Context, src devflow.Source, text string, m notification.Markup) (string, bool) {
	if !strings.HasPrefix(text, "!devflow") {
		return "", false
	}
	return m.Bold("started") + " " + src.MessageID, true
}

func postUpdate(t *testing.T, h *Handlers, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/telegram", strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	return rec
}

func update(chatID int64, text string) string {
	b, _ := json.Marshal(map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 9,
			"date":       1,
			"chat":       map[string]any{"id": chatID, "type": "private"},
			"text":       text,
		},
	})
	return string(b)
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantText  string
		wantParse string
		wantLink  string
	}{
		{name: "link", text: "/start user-1", wantText: msgLinked, wantLink: "42"},
		{name: "unknown user", text: "/start nobody", wantText: msgUserNotFound},
		{name: "store failure", text: "/start broken", wantText: msgInvalidCode},
		{name: "bare start", text: "/start", wantText: msgHello},
		{name: "devflow", text: "!devflow fix a/b x", wantText: "*started* 9", wantParse: "MarkdownV2"},
		{name: "chatter", text: "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeBotAPI(t)
			users := &fakeUsers{users: map[string]string{"user-1": "", "broken": ""}, failOn: "broken"}
			h := NewHandlers(users, NewMessenger(NewClient(api.URL, api.Client()), testToken), fakeCommands{}, "", util.NopLogger())

			rec := postUpdate(t, h, update(42, tt.text), nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
				t.Errorf("body = %s", rec.Body.String())
			}

			calls := api.sent()
			if tt.wantText == "" {
				if len(calls) != 0 {
					t.Errorf("expected no replies, got %+v", calls)
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("got %d replies, want 1", len(calls))
			}
			if calls[0].Text != tt.wantText || calls[0].ParseMode != tt.wantParse {
				t.Errorf("reply = %+v", calls[0])
			}
			if tt.wantLink != "" && users.users["user-1"] != tt.wantLink {
				t.Errorf("linked chat = %q", users.users["user-1"])
			}
		})
	}
}

func TestHandleWebhookRejects(t *testing.T) {
	api := newFakeBotAPI(t)
	users := &fakeUsers{users: map[string]string{}}
	h := NewHandlers(users, NewMessenger(NewClient(api.URL, api.Client()), testToken), nil, "s3cret", util.NopLogger())

	t.Run("bad secret", func(t *testing.T) {
		rec := postUpdate(t, h, update(1, "/start"), http.Header{secretTokenHeader: {"nope"}})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := postUpdate(t, h, "{", http.Header{secretTokenHeader: {"s3cret"}})
		if rec.Code != http.StatusInternalServerError || strings.TrimSpace(rec.Body.String()) != `{"ok":false}` {
			t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})
}

func TestHandleLink(t *testing.T) {
	users := &fakeUsers{users: map[string]string{"user-1": ""}}
	h := NewHandlers(users, nil, nil, "", util.NopLogger())
	h.SetBotUsername("@pinga_bot")

	router := chi.NewRouter()
	router.Get("/users/{id}/telegram-link", h.HandleLink)

	t.Run("json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/user-1/telegram-link", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var got linkResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Link != "https://t.me/pinga_bot?start=user-1" {
			t.Errorf("link = %s", got.Link)
		}
	})

	t.Run("png", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/user-1/telegram-link?format=png", nil))
		if rec.Header().Get("Content-Type") != "image/png" {
			t.Errorf("content type = %s", rec.Header().Get("Content-Type"))
		}
		if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
			t.Error("body is not a PNG")
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/ghost/telegram-link", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
