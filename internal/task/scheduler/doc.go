// Package scheduler triggers recurring jobs from cron expressions or
// intervals on top of robfig/cron.
//
// A run that is still going when its next tick arrives is skipped, so a slow
// sweep never stacks up behind itself.
package scheduler
