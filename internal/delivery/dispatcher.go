// Package delivery routes rendered release notifications to Telegram chats.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"episodebot/internal/notifier"
	"episodebot/internal/release"
	"episodebot/internal/storage"
	kit "episodebot/internal/transport"
	logx "episodebot/pkg/logx"
)

var (
	// ErrNoChannel means the target guild has no notification channel configured.
	ErrNoChannel = errors.New("delivery: guild has no notification channel")
	ErrNoGuild   = errors.New("delivery: server preference without a guild")
)

// Sender is the outbound path, normally *notifier.Service.
type Sender interface {
	Send(ctx context.Context, m notifier.Message) error
}

type Dispatcher struct {
	prefs  storage.Preferences
	sender Sender
	log    logx.Logger
}

func New(prefs storage.Preferences, sender Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{prefs: prefs, sender: sender, log: log.With(logx.String("comp", "delivery"))}
}

// Deliver implements release.Dispatcher.
func (d *Dispatcher) Deliver(ctx context.Context, n release.Notification) error {
	target, mention, err := d.route(ctx, n.Subscription)
	if err != nil {
		return err
	}
	msg := notifier.Message{
		Target: target,
		Text:   Render(n, mention),
		Options: &kit.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: n.CoverImage == "",
			PhotoURL:       n.CoverImage,
		},
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		return err
	}
	d.log.Debug("notification sent",
		logx.String("kind", string(n.Subscription.Kind)),
		logx.Int64("id", n.Subscription.ID),
		logx.Int64("chat_id", target.ChatID),
	)
	return nil
}

// route picks the chat for a subscription and the mention line for shared channels.
func (d *Dispatcher) route(ctx context.Context, sub release.Subscription) (kit.ChatTarget, string, error) {
	switch sub.Kind {
	case release.KindBroadcast:
		target, err := d.guildTarget(ctx, sub.Subject.GuildID)
		if err != nil {
			return kit.ChatTarget{}, "", err
		}
		return target, roleMention(sub.Subject.RoleID), nil

	case release.KindIndividual:
		p, ok, err := d.prefs.GetPreference(ctx, sub.Subject.UserID)
		if err != nil {
			return kit.ChatTarget{}, "", fmt.Errorf("load preference: %w", err)
		}
		if !ok || p.Mode != storage.ModeServer {
			return kit.ChatTarget{ChatID: sub.Subject.UserID}, "", nil
		}
		if p.GuildID == 0 {
			return kit.ChatTarget{}, "", ErrNoGuild
		}
		target, err := d.guildTarget(ctx, p.GuildID)
		if err != nil {
			return kit.ChatTarget{}, "", err
		}
		return target, userMention(sub.Subject.UserID), nil
	}
	return kit.ChatTarget{}, "", fmt.Errorf("delivery: unknown kind %q", sub.Kind)
}

func (d *Dispatcher) guildTarget(ctx context.Context, guildID int64) (kit.ChatTarget, error) {
	g, ok, err := d.prefs.GetGuildChannel(ctx, guildID)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("load guild channel: %w", err)
	}
	if !ok || g.ChatID == 0 {
		return kit.ChatTarget{}, fmt.Errorf("guild %d: %w", guildID, ErrNoChannel)
	}
	return kit.ChatTarget{ChatID: g.ChatID, ThreadID: g.ThreadID}, nil
}

func userMention(userID int64) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">your watchlist</a>`, userID)
}

func roleMention(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return ""
	}
	return html.EscapeString(role)
}

// Render builds the HTML body of a release notification.
func Render(n release.Notification, mention string) string {
	var sb strings.Builder
	sb.WriteString("<b>New Episode Released!</b>\n")
	fmt.Fprintf(&sb, "<b>%s</b>\n\n", html.EscapeString(n.Title))
	fmt.Fprintf(&sb, "Episode %s is now available!\n", n.EpisodeLabel())
	if !n.AiredAt.IsZero() {
		fmt.Fprintf(&sb, "Aired: %s\n", n.AiredAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	sb.WriteString("\n<i>It may take some time to appear on streaming platforms.</i>")
	if mention != "" {
		sb.WriteString("\n")
		sb.WriteString(mention)
	}
	return sb.String()
}
