package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a validated schedule.
//
// Accepted forms:
//   - cron, 5 or 6 fields (leading seconds) or a descriptor: "30 6 * * 1-5", "@daily"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "01:30" is every 90 minutes
//
// "cron:" forces cron; "interval:" or "every:" forces an interval.
type Spec struct {
	Kind   SpecKind
	Expr   string        // expression handed to cron; "@every <d>" for intervals
	Every  time.Duration // intervals only
	Source string        // "cron", "duration" or "hhmm"

	schedule cron.Schedule
}

var (
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM     = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)
)

// Parse validates raw and resolves it to a cron schedule.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case s == "":
		return Spec{}, fmt.Errorf("schedule required")
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	spec, err := parseEvery(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (cron like '30 6 * * 1-5', HH:MM like '02:30' or a duration like '55m')", raw)
	}
	return spec, nil
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Expr: expr, Source: "cron", schedule: sched}, nil
}

func parseEvery(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	var (
		d   time.Duration
		src string
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("interval %q: use HH:MM or a duration like 55m", v)
		}
		src = "duration"
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval %q must be positive", v)
	}
	return Spec{Kind: SpecInterval, Expr: "@every " + d.String(), Every: d, Source: src, schedule: cron.Every(d)}, nil
}
