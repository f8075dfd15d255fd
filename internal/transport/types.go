package transport

import (
	"context"
	"errors"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// PhotoURL sends the text as the caption of a photo when it fits.
	PhotoURL string
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ErrPermanent marks send failures that retrying cannot fix (blocked bot, unknown chat).
var ErrPermanent = errors.New("transport: permanent failure")
