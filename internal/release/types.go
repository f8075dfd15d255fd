package release

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Kind partitions subscriptions. Ids are unique only within a kind.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindBroadcast  Kind = "broadcast"
)

func (k Kind) Valid() bool { return k == KindIndividual || k == KindBroadcast }

// Subject identifies who receives a notification.
// Individual subscriptions set UserID; broadcast subscriptions set RoleID and GuildID.
type Subject struct {
	UserID  int64
	RoleID  string
	GuildID int64
}

// Subscription is one tracked (subject, item) pair.
// A zero NextReleaseAt means dormant: nothing is scheduled.
type Subscription struct {
	ID            int64
	Kind          Kind
	Subject       Subject
	ItemID        string
	DisplayTitle  string
	NextReleaseAt time.Time
}

func (s Subscription) key() jobKey { return jobKey{kind: s.Kind, id: s.ID} }

// Release is what the provider currently knows about an item.
// A zero NextReleaseAt means no further release is known (finished or hiatus).
type Release struct {
	ItemID        string
	Title         string
	CoverImage    string
	NextReleaseAt time.Time
	// NextEpisode is the number of the upcoming episode, 0 when unknown.
	NextEpisode int
}

// AiredEpisode is the episode that became available at the previous release time.
// It returns 0 when the provider does not know.
func (r Release) AiredEpisode() int {
	if r.NextEpisode > 1 {
		return r.NextEpisode - 1
	}
	return 0
}

// Notification is the payload handed to a Dispatcher.
type Notification struct {
	Subscription Subscription
	Title        string
	Episode      int // 0 renders as "Latest"
	AiredAt      time.Time
	CoverImage   string
}

// EpisodeLabel renders the episode number for display.
func (n Notification) EpisodeLabel() string {
	if n.Episode <= 0 {
		return "Latest"
	}
	return strconv.Itoa(n.Episode)
}

// Resolver looks up the next release for an item.
// An item with no upcoming release is a zero Release, not an error.
type Resolver interface {
	Resolve(ctx context.Context, itemID string) (Release, error)
}

// Dispatcher renders and routes a notification. Errors are logged by the engine and never retried.
type Dispatcher interface {
	Deliver(ctx context.Context, n Notification) error
}

// Store is the subscription row accessor.
//
// ListDue returns rows with from < NextReleaseAt <= to.
// ListUpcoming returns rows with NextReleaseAt > after.
// ListScheduled returns every row with a non-null NextReleaseAt.
// A zero at in UpdateNextRelease stores null.
type Store interface {
	ListDue(ctx context.Context, from, to time.Time) ([]Subscription, error)
	ListUpcoming(ctx context.Context, after time.Time) ([]Subscription, error)
	ListScheduled(ctx context.Context) ([]Subscription, error)
	UpdateNextRelease(ctx context.Context, kind Kind, id int64, at time.Time) error

	// Delivered events are remembered until their expiry so a replayed event is not re-sent.
	PutDelivered(ctx context.Context, key string, until time.Time) error
	GetDelivered(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// CheckpointStore persists the instant up to which due events have been processed.
// A missing checkpoint reports ok=false.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context) (at time.Time, ok bool, err error)
	PutCheckpoint(ctx context.Context, at time.Time) error
}

type jobKey struct {
	kind Kind
	id   int64
}

func (k jobKey) String() string { return fmt.Sprintf("%s:%d", k.kind, k.id) }

// deliveryKey names one release event of one subscription.
func deliveryKey(s Subscription) string {
	return fmt.Sprintf("%s:%d:%d", s.Kind, s.ID, s.NextReleaseAt.UnixMilli())
}
