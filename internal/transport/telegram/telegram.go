// Package telegram implements transport.Adapter on telebot.
//
// Chats are addressed by id; a group forum topic by its thread id. The only
// inbound handler is /start, which replies with the ids an operator needs to
// fill user_preferences and guild_settings.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "episodebot/internal/runtime/supervisor"
	kit "episodebot/internal/transport"
	logx "episodebot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL points at a self-hosted Bot API server; empty uses api.telegram.org.
	APIURL      string
	PollTimeout time.Duration
	// Greeting is prefixed to the /start reply.
	Greeting string
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	a.bot.Handle("/start", a.onStart)
	return a, nil
}

func (a *Adapter) onStart(c tele.Context) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	var sb strings.Builder
	if g := strings.TrimSpace(a.cfg.Greeting); g != "" {
		sb.WriteString(g)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "chat id: <code>%d</code>", chat.ID)
	if u := c.Sender(); u != nil {
		fmt.Fprintf(&sb, "\nuser id: <code>%d</code>", u.ID)
	}
	if m := c.Message(); m != nil && m.ThreadID != 0 {
		fmt.Fprintf(&sb, "\nthread id: <code>%d</code>", m.ThreadID)
	}
	return c.Send(sb.String(), &tele.SendOptions{ParseMode: tele.ModeHTML})
}

// Start begins long polling under a restart loop. Calling it twice is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	// Poll failures should not take down the app.
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poll loop exited")
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// getUpdates may still be parked in a long poll; don't hold shutdown for it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const (
	textLimit    = 4000
	captionLimit = 1024
)

// SendText sends text, split into several messages when it exceeds the
// message limit. With a PhotoURL and a short enough text the photo is sent
// with the text as its caption.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := func() *tele.SendOptions {
		return &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
	}

	if opt.PhotoURL != "" && len([]rune(text)) <= captionLimit {
		photo := &tele.Photo{File: tele.FromURL(opt.PhotoURL), Caption: text}
		msg, err := a.bot.Send(chat, photo, sendOpt())
		if err == nil {
			return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
		}
		// Only a rejected image falls back to text. Any other failure may
		// have been delivered already and is left to the caller's retry.
		if !isMediaError(err) {
			return kit.MessageRef{}, classify(err)
		}
		a.log.Debug("cover image rejected; sending text", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt())
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	if isPermanent(err) {
		return fmt.Errorf("%w: %v", kit.ErrPermanent, err)
	}
	return err
}

func isPermanent(err error) bool {
	code := errorCode(err)
	return code >= 400 && code < 500 && code != 429
}

// errorCode returns the Bot API error code. telebot only types the errors it
// knows; the rest arrive as "telegram: <description> (<code>)".
func errorCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "telegram: ") || !strings.HasSuffix(msg, ")") {
		return 0
	}
	open := strings.LastIndexByte(msg, '(')
	if open < 0 {
		return 0
	}
	code, convErr := strconv.Atoi(msg[open+1 : len(msg)-1])
	if convErr != nil {
		return 0
	}
	return code
}

func isMediaError(err error) bool {
	if errorCode(err) != 400 {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "wrong file") || strings.Contains(s, "http url") ||
		strings.Contains(s, "wrong type of the web page content") || strings.Contains(s, "photo_invalid") ||
		strings.Contains(s, "image_process_failed")
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if html && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start {
				end = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
