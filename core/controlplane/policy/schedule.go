package policy

import (
	"strconv"
	"strings"
	"time"

	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/logging"
)

// ScheduleResult is the outcome of time-window evaluation.
type ScheduleResult string

const (
	ScheduleNoMatch ScheduleResult = "no_match"
	ScheduleAllow   ScheduleResult = "allow"
	ScheduleDeny    ScheduleResult = "deny"
)

// ScheduleEvaluator resolves allow/deny/no-match for a (tenant, capability,
// instant) triple. Tenant rules shadow global rules; within a list the first
// rule whose window contains the instant wins.
type ScheduleEvaluator struct {
	cfg config.ScheduleConfig
}

func NewScheduleEvaluator(cfg config.ScheduleConfig) *ScheduleEvaluator {
	return &ScheduleEvaluator{cfg: cfg}
}

// Evaluate returns the schedule verdict for now. Malformed rules never match;
// a fully unmatched lookup returns ScheduleNoMatch so the caller falls through
// to quota evaluation.
func (s *ScheduleEvaluator) Evaluate(tenant, capability string, now time.Time) ScheduleResult {
	if caps, ok := s.cfg.Tenants[tenant]; ok {
		if result := evaluateRules(caps[capability], now); result != ScheduleNoMatch {
			return result
		}
	}
	return evaluateRules(s.cfg.Global[capability], now)
}

func evaluateRules(rules []config.ScheduleRule, now time.Time) ScheduleResult {
	for _, rule := range rules {
		if !ruleContains(rule, now) {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rule.Action), "allow") {
			return ScheduleAllow
		}
		return ScheduleDeny
	}
	return ScheduleNoMatch
}

// ruleContains reports whether now falls inside the rule's window, evaluated
// in the rule's timezone. A rule that cannot be interpreted matches nothing.
func ruleContains(rule config.ScheduleRule, now time.Time) bool {
	loc := time.UTC
	if tz := strings.TrimSpace(rule.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			logging.Warn("policy", "schedule rule has unknown timezone, rule skipped", "timezone", tz)
			return false
		}
		loc = parsed
	}
	local := now.In(loc)

	if len(rule.Days) > 0 && !dayMatches(rule.Days, local.Weekday()) {
		return false
	}

	start, ok := parseClock(rule.Start)
	if !ok {
		logging.Warn("policy", "schedule rule has malformed start, rule skipped", "start", rule.Start)
		return false
	}
	end, ok := parseClock(rule.End)
	if !ok {
		logging.Warn("policy", "schedule rule has malformed end, rule skipped", "end", rule.End)
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	if end < start {
		// Window crosses midnight into the next day.
		return minute >= start || minute < end
	}
	return minute >= start && minute < end
}

var weekdayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

func dayMatches(days []string, weekday time.Weekday) bool {
	for _, day := range days {
		if wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(day))]; ok && wd == weekday {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(value string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
