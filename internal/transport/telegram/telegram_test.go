package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "episodebot/internal/transport"
	logx "episodebot/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d (%q)", len(got), got)
	}
	if got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitText(s, 10, "HTML")
	if got[0] != strings.Repeat("x", 8) {
		t.Fatalf("first chunk = %q", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk over limit: %q", c)
		}
	}
}

func TestSplitTextRunes(t *testing.T) {
	s := strings.Repeat("é", 25)
	got := splitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d", len(got))
	}
	if strings.Join(got, "") != s {
		t.Fatal("rune split lost text")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		perm bool
	}{
		{"forbidden", &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, true},
		{"bad request", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, true},
		{"flood", &tele.Error{Code: 429, Description: "Too Many Requests"}, false},
		{"server", &tele.Error{Code: 502, Description: "Bad Gateway"}, false},
		{"network", errors.New("dial tcp: timeout"), false},
		{"untyped client error", errors.New("telegram: Bad Request: message thread not found (400)"), true},
		{"untyped server error", errors.New("telegram: Internal Server Error (500)"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := errors.Is(classify(tc.err), kit.ErrPermanent)
			if got != tc.perm {
				t.Fatalf("permanent = %v, want %v", got, tc.perm)
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

// botAPI is a fake Bot API server. sendPhoto answers with photoReply; every
// sendMessage succeeds.
type botAPI struct {
	photoReply string

	mu    sync.Mutex
	calls []string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	b.mu.Lock()
	b.calls = append(b.calls, method)
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"episode_bot"}}`))
	case "sendPhoto":
		_, _ = w.Write([]byte(b.photoReply))
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":8,"chat":{"id":42,"type":"private"},"text":"x"}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func (b *botAPI) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == method {
			n++
		}
	}
	return n
}

func newTestAdapter(t *testing.T, api *botAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSendPhotoFallback(t *testing.T) {
	cases := []struct {
		name      string
		reply     string
		wantErr   bool
		permanent bool
		texts     int
	}{
		{
			name:  "sent as photo",
			reply: `{"ok":true,"result":{"message_id":7,"chat":{"id":42,"type":"private"},"photo":[{"file_id":"p","file_unique_id":"u","width":10,"height":10}]}}`,
		},
		{
			name:  "rejected image falls back to text",
			reply: `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`,
			texts: 1,
		},
		{
			name:    "server error is returned for retry",
			reply:   `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
			wantErr: true,
		},
		{
			name:      "blocked user is permanent",
			reply:     `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			wantErr:   true,
			permanent: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &botAPI{photoReply: tc.reply}
			a := newTestAdapter(t, api)
			opt := &kit.SendOptions{ParseMode: tele.ModeHTML, PhotoURL: "https://img.example/cover.jpg"}
			_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, "<b>New Episode Released!</b>", opt)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && errors.Is(err, kit.ErrPermanent) != tc.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", errors.Is(err, kit.ErrPermanent), tc.permanent, err)
			}
			if got := api.count("sendPhoto"); got != 1 {
				t.Fatalf("sendPhoto calls = %d, want 1", got)
			}
			if got := api.count("sendMessage"); got != tc.texts {
				t.Fatalf("sendMessage calls = %d, want %d", got, tc.texts)
			}
		})
	}
}
