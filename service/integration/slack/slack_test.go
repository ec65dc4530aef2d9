package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pinga/service/database/dbtest"
	"pinga/service/delivery"
	"pinga/service/devflow"
	"pinga/service/notification"
	"pinga/service/subscription"
	"pinga/service/util"
)

type request struct {
	Path   string
	Auth   string
	Header http.Header
	Body   map[string]any
}

type fakeSlack struct {
	*httptest.Server
	mu       sync.Mutex
	requests []request
	status   int
	response string
}

func newFakeSlack(t *testing.T) *fakeSlack {
	t.Helper()
	f := &fakeSlack{status: http.StatusOK, response: `{"ok":true}`}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.requests = append(f.requests, request{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Header: r.Header, Body: body})
		status, response := f.status, f.response
		f.mu.Unlock()

		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeSlack) respond(status int, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.response = status, response
}

func (f *fakeSlack) sent() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

func TestEscape(t *testing.T) {
	if got := Escape("a < b && c > d"); got != "a &lt; b &amp;&amp; c &gt; d" {
		t.Errorf("Escape() = %q", got)
	}
	if got := Escape("*bold* _it_"); got != "*bold* _it_" {
		t.Errorf("Escape() changed mrkdwn markers: %q", got)
	}
}

func TestBlocks(t *testing.T) {
	t.Run("fields links and payload", func(t *testing.T) {
		p := notification.Payload{Title: "PR Merged", Emoji: "✅", PayloadURL: "https://pinga.dev/p/1"}
		p.AddField("Repo", "acme/api")
		p.AddField("Title", "Use <T> & friends")
		p.AddLink("PR", "https://github.com/acme/api/pull/1")
		p.AddLink("Diff", "https://github.com/acme/api/pull/1/files")

		blocks := Blocks(p)
		if len(blocks) != 4 {
			t.Fatalf("got %d blocks, want 4", len(blocks))
		}
		if blocks[0].Type != "header" || blocks[0].Text.Text != "✅ PR Merged" || blocks[0].Text.Type != "plain_text" {
			t.Errorf("header = %+v", blocks[0].Text)
		}
		if got := blocks[1].Fields[1].Text; got != "*Title*\nUse &lt;T&gt; &amp; friends" {
			t.Errorf("field = %q", got)
		}
		wantLinks := "🔗 <https://github.com/acme/api/pull/1|PR>  |  <https://github.com/acme/api/pull/1/files|Diff>"
		if got := blocks[2].Elements[0].Text; got != wantLinks {
			t.Errorf("links = %q", got)
		}
		if blocks[3].Type != "actions" || blocks[3].Elements[0].URL != "https://pinga.dev/p/1" {
			t.Errorf("actions = %+v", blocks[3])
		}
	})

	t.Run("summary hides fields", func(t *testing.T) {
		p := notification.Payload{Title: "Push", Summary: "3 commits landed"}
		p.AddField("Repo", "acme/api")

		blocks := Blocks(p)
		if len(blocks) != 2 {
			t.Fatalf("got %d blocks, want 2", len(blocks))
		}
		if blocks[0].Text.Text != "🔔 Push" {
			t.Errorf("default emoji header = %q", blocks[0].Text.Text)
		}
		if blocks[1].Text == nil || blocks[1].Text.Text != "3 commits landed" || len(blocks[1].Fields) != 0 {
			t.Errorf("section = %+v", blocks[1])
		}
	})

	t.Run("at most ten fields", func(t *testing.T) {
		p := notification.Payload{Title: "Many"}
		for i := range 14 {
			p.AddField(fmt.Sprintf("F%d", i), "v")
		}
		if got := len(Blocks(p)[1].Fields); got != maxSectionFields {
			t.Errorf("fields = %d, want %d", got, maxSectionFields)
		}
	})
}

func TestVerifyRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"type":"url_verification"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	headers := func(ts, sig string) http.Header {
		h := http.Header{}
		h.Set(timestampHeader, ts)
		h.Set(signatureHeader, sig)
		return h
	}

	tests := []struct {
		name    string
		header  http.Header
		secret  string
		wantErr error
	}{
		{"valid", headers(ts, Sign("shh", ts, body)), "shh", nil},
		{"wrong secret", headers(ts, Sign("other", ts, body)), "shh", ErrInvalidSignature},
		{"missing headers", http.Header{}, "shh", ErrInvalidSignature},
		{"no secret configured", headers(ts, Sign("", ts, body)), "", ErrInvalidSignature},
		{"stale", headers("1600000000", Sign("shh", "1600000000", body)), "shh", ErrStaleRequest},
		{"bad timestamp", headers("yesterday", "v0=00"), "shh", ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest(tt.header, body, tt.secret, now)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSender(t *testing.T) {
	ctx := context.Background()

	t.Run("incoming webhook", func(t *testing.T) {
		api := newFakeSlack(t)
		s := NewSender(NewClient(api.URL, api.Client()), api.Client(), "", util.NopLogger())

		res := s.Send(ctx, subscription.SlackConfig{WebhookURL: api.URL + "/hook"}, notification.Payload{Title: "Ping"})
		if !res.Success {
			t.Fatalf("result = %+v", res)
		}
		req := api.sent()[0]
		if req.Path != "/hook" || req.Body["blocks"] == nil {
			t.Errorf("request = %+v", req)
		}
	})

	t.Run("linked channel through the bot", func(t *testing.T) {
		api := newFakeSlack(t)
		s := NewSender(NewClient(api.URL, api.Client()), api.Client(), "xoxb-global", util.NopLogger())

		res := s.Send(ctx, subscription.SlackConfig{ChannelID: "C1"}, notification.Payload{Title: "Ping"})
		if !res.Success {
			t.Fatalf("result = %+v", res)
		}
		req := api.sent()[0]
		if req.Path != "/chat.postMessage" || req.Auth != "Bearer xoxb-global" || req.Body["channel"] != "C1" {
			t.Errorf("request = %+v", req)
		}
	})

	t.Run("webhook rejection", func(t *testing.T) {
		api := newFakeSlack(t)
		api.respond(http.StatusNotFound, "no_service")
		s := NewSender(NewClient(api.URL, api.Client()), api.Client(), "", util.NopLogger())

		res := s.Send(ctx, subscription.SlackConfig{WebhookURL: api.URL + "/hook"}, notification.Payload{Title: "Ping"})
		if res.Success || res.RawError != "no_service" {
			t.Errorf("result = %+v", res)
		}
		if res.Error != "Slack API failed: 404 Not Found" {
			t.Errorf("error = %q", res.Error)
		}
	})

	t.Run("api error", func(t *testing.T) {
		api := newFakeSlack(t)
		api.respond(http.StatusOK, `{"ok":false,"error":"channel_not_found"}`)
		s := NewSender(NewClient(api.URL, api.Client()), api.Client(), "xoxb", util.NopLogger())

		res := s.Send(ctx, subscription.SlackConfig{ChannelID: "C404"}, notification.Payload{Title: "Ping"})
		if res.Success || res.Error != "Slack API error: channel_not_found" {
			t.Errorf("result = %+v", res)
		}
	})
}

type fakeCommands struct{}

func (fakeCommands) Handle(_ context.Context, src devflow.Source, text string, m notification.Markup) (string, bool) {
	if !strings.HasPrefix(text, "!devflow") {
		return "", false
	}
	return m.Bold("started") + " " + src.ChatID + " " + src.MessageID, true
}

type eventsFixture struct {
	api      *fakeSlack
	store    *subscription.Store
	handlers *Handlers
	now      time.Time
}

func newEventsFixture(t *testing.T) *eventsFixture {
	t.Helper()
	api := newFakeSlack(t)
	store, err := subscription.NewStore(dbtest.Open(t), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	h := NewHandlers(store, NewMessenger(NewClient(api.URL, api.Client()), "xoxb-bot"), fakeCommands{}, "signing", util.NopLogger())
	h.now = func() time.Time { return now }
	return &eventsFixture{api: api, store: store, handlers: h, now: now}
}

func (f *eventsFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	ts := strconv.FormatInt(f.now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/slack", strings.NewReader(body))
	req.Header.Set(timestampHeader, ts)
	req.Header.Set(signatureHeader, Sign("signing", ts, []byte(body)))
	rec := httptest.NewRecorder()
	f.handlers.HandleEvents(rec, req)
	return rec
}

func eventBody(eventType, text, extra string) string {
	return fmt.Sprintf(`{"type":"event_callback","event":{"type":%q,"text":%q,"channel":"C1","user":"U1","ts":"171.2"%s}}`, eventType, text, extra)
}

func TestHandleEvents(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		f := newEventsFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/api/webhook/slack", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		f.handlers.HandleEvents(rec, req)
		if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Invalid signature") {
			t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("url verification", func(t *testing.T) {
		f := newEventsFixture(t)
		rec := f.post(t, `{"type":"url_verification","challenge":"abc123"}`)
		if strings.TrimSpace(rec.Body.String()) != `{"challenge":"abc123"}` {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("bot messages ignored", func(t *testing.T) {
		f := newEventsFixture(t)
		for _, extra := range []string{`,"bot_id":"B1"`, `,"subtype":"bot_message"`} {
			rec := f.post(t, eventBody("message", "!devflow fix a/b c", extra))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d", rec.Code)
			}
		}
		if n := len(f.api.sent()); n != 0 {
			t.Errorf("sent %d messages, want 0", n)
		}
	})

	t.Run("devflow command after mention", func(t *testing.T) {
		f := newEventsFixture(t)
		f.post(t, eventBody("app_mention", "<@U0BOT> !devflow fix a/b c", ""))
		sent := f.api.sent()
		if len(sent) != 1 || sent[0].Body["text"] != "*started* C1 171.2" {
			t.Fatalf("sent = %+v", sent)
		}
	})

	t.Run("mention in unlinked channel", func(t *testing.T) {
		f := newEventsFixture(t)
		f.post(t, eventBody("app_mention", "<@U0BOT> hi", ""))
		sent := f.api.sent()
		if len(sent) != 1 || sent[0].Body["text"] != msgNotLinked {
			t.Fatalf("sent = %+v", sent)
		}
	})

	t.Run("plain message in unlinked channel", func(t *testing.T) {
		f := newEventsFixture(t)
		f.post(t, eventBody("message", "hi", ""))
		if n := len(f.api.sent()); n != 0 {
			t.Errorf("sent %d messages, want 0", n)
		}
	})
}

func TestHandleEventsLinking(t *testing.T) {
	ctx := context.Background()
	f := newEventsFixture(t)

	u := &subscription.User{Email: "s@example.com"}
	if err := f.store.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Discord", "Team Slack"} {
		typ, cfg := subscription.ChannelDiscord, `{"webhookUrl":"https://discord.example/x"}`
		if name == "Team Slack" {
			typ, cfg = subscription.ChannelSlack, `{"webhookUrl":"https://hooks.slack.example/x"}`
		}
		ch := &subscription.Channel{UserID: u.ID, Type: typ, Name: name, Enabled: true, Config: json.RawMessage(cfg)}
		if err := f.store.AddChannel(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("unknown index", func(t *testing.T) {
		f.post(t, eventBody("message", "link channel_"+u.ID+"_5", ""))
		sent := f.api.sent()
		if sent[len(sent)-1].Body["text"] != msgLinkFailed {
			t.Errorf("reply = %v", sent[len(sent)-1].Body["text"])
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		f.post(t, eventBody("message", "link channel_nobody_0", ""))
		sent := f.api.sent()
		if sent[len(sent)-1].Body["text"] != msgLinkFailed {
			t.Errorf("reply = %v", sent[len(sent)-1].Body["text"])
		}
	})

	t.Run("links the indexed channel", func(t *testing.T) {
		rec := f.post(t, eventBody("message", "please link channel_"+u.ID+"_1", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		sent := f.api.sent()
		reply, _ := sent[len(sent)-1].Body["text"].(string)
		if !strings.HasPrefix(reply, "✅ *Channel Connected Successfully!*\n\n\"Team Slack\" is now linked") {
			t.Errorf("reply = %q", reply)
		}

		linked, err := f.store.FindSlackChannel(ctx, "C1")
		if err != nil {
			t.Fatalf("FindSlackChannel: %v", err)
		}
		cfg, err := linked.Decode()
		if err != nil {
			t.Fatal(err)
		}
		if sc := cfg.(subscription.SlackConfig); sc.ChannelID != "C1" || sc.WebhookURL == "" {
			t.Errorf("config = %+v", sc)
		}
	})
}

func TestClientRequiresToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", http.DefaultClient)
	err := c.PostMessage(context.Background(), "", "C1", "hi", nil)
	if !errors.Is(err, ErrNotConfigured) || !delivery.IsPermanent(err) {
		t.Errorf("err = %v", err)
	}
}
