package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"episodebot/internal/eventbus"
	logx "episodebot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	c    *cron.Cron
	defs []*scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skipped uint64
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
}

// RunEvent is published as "schedule.done" after each run.
type RunEvent struct {
	Name string
	Took time.Duration
	Err  string
}
