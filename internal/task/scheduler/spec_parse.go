package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule resolved to either a cron expression or a fixed
// interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// cronParser accepts five fields, an optional leading seconds field and
// descriptors such as "@hourly" or "@every 55m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule resolves the value of the schedule setting key. A value
// starting with '@' or containing whitespace is cron; anything else must be
// a positive Go duration. Errors are prefixed with key.
func ParseSchedule(key, raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%s: schedule required", key)
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		if _, err := cronParser.Parse(s); err != nil {
			return ParsedSpec{}, fmt.Errorf("%s: invalid cron %q: %w", key, s, err)
		}
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%s: invalid schedule %q (use cron like \"@hourly\" or a duration like \"1m\")", key, raw)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("%s: interval must be > 0", key)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
