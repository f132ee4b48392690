package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/autopilot/internal/router"
)

// statusOverloaded is Anthropic's "overloaded" response code.
const statusOverloaded = 529

// ClassifyUsageLimit is the router's UsageLimitFunc for Anthropic errors.
// 429 and 529 responses are usage limits; the wait comes from the
// retry-after-ms or Retry-After headers, then from the error body. Other
// errors fall back to text matching.
func ClassifyUsageLimit(err error) (time.Duration, bool) {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return router.ClassifyUsageLimit(err)
	}

	body := apiErr.RawJSON()
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests, statusOverloaded:
		if d, ok := retryAfterFromResponse(apiErr.Response); ok {
			return d, true
		}
		d, _ := router.ParseRetryAfter(body)
		return d, true
	}
	if router.IsUsageLimitMessage(body) {
		d, _ := router.ParseRetryAfter(body)
		return d, true
	}
	return 0, false
}

func retryAfterFromResponse(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if ms := strings.TrimSpace(resp.Header.Get("retry-after-ms")); ms != "" {
		if n, err := strconv.ParseFloat(ms, 64); err == nil && n >= 0 {
			return time.Duration(n * float64(time.Millisecond)), true
		}
	}
	return router.ParseRetryAfterHeader(resp.Header.Get("Retry-After"), time.Now())
}
