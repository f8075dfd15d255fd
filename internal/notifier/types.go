package notifier

import (
	"time"

	kit "episodebot/internal/transport"
)

// Config controls the send path.
type Config struct {
	RatePerSec    int
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

// Message is one outbound send.
type Message struct {
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

// Stats are cumulative counters since start.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Deduped uint64
	Retried uint64
}

// NotificationEvent is published on the bus for notifier.sent, notifier.failed and notifier.deduped.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
