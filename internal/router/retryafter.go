package router

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry[- ]after[:=\s]+(\d+(?:\.\d+)?)\s*([a-z]*)`),
	regexp.MustCompile(`(?i)try again in\s+(\d+(?:\.\d+)?)\s*([a-z]*)`),
	regexp.MustCompile(`(?i)resets? in\s+(\d+(?:\.\d+)?)\s*([a-z]*)`),
}

// usageLimitMarkers identify a quota or rate limit in an error message.
var usageLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"usage limit",
	"quota",
	"too many requests",
	"overloaded",
}

// statusTooManyRequests matches 429 used as a status code, not as part of
// another number or identifier.
var statusTooManyRequests = regexp.MustCompile(`(?i)(?:^|\b(?:status|http|code|error)\b[\s:=]*)429\b`)

// ParseRetryAfter extracts a wait hint such as "retry after 30s" or
// "try again in 5 minutes" from msg. A bare number is seconds.
func ParseRetryAfter(msg string) (time.Duration, bool) {
	for _, re := range retryAfterPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit, ok := unitOf(m[2])
		if !ok {
			continue
		}
		return time.Duration(n * float64(unit)), true
	}
	return 0, false
}

func unitOf(s string) (time.Duration, bool) {
	switch strings.ToLower(s) {
	case "", "s", "sec", "secs", "second", "seconds":
		return time.Second, true
	case "ms", "millisecond", "milliseconds":
		return time.Millisecond, true
	case "m", "min", "mins", "minute", "minutes":
		return time.Minute, true
	case "h", "hr", "hrs", "hour", "hours":
		return time.Hour, true
	}
	return 0, false
}

// ParseRetryAfterHeader reads an HTTP Retry-After value, either delta
// seconds or an HTTP date relative to now.
func ParseRetryAfterHeader(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

// IsUsageLimitMessage reports whether msg looks like a quota signal.
func IsUsageLimitMessage(msg string) bool {
	if statusTooManyRequests.MatchString(strings.TrimSpace(msg)) {
		return true
	}
	lower := strings.ToLower(msg)
	for _, m := range usageLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ClassifyUsageLimit is the default UsageLimitFunc. It matches quota wording
// in the error text and takes the wait from any retry-after hint.
func ClassifyUsageLimit(err error) (time.Duration, bool) {
	if err == nil || !IsUsageLimitMessage(err.Error()) {
		return 0, false
	}
	d, _ := ParseRetryAfter(err.Error())
	return d, true
}
