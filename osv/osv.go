package osv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/parnurzeal/gorequest"

	"github.com/ediaz029/VulGPT/utils"
)

const (
	defaultBaseURL     = "https://api.osv.dev"
	defaultMaxInFlight = 100
	defaultRetry       = 3
	defaultTimeout     = 30 * time.Second

	rateLimitWaitMin = 2 * time.Second
	rateLimitWaitMax = 5 * time.Second
	retryWaitMin     = 1 * time.Second
	retryWaitMax     = 3 * time.Second
)

type options struct {
	baseURL          string
	maxInFlight      int64
	retry            int
	timeout          time.Duration
	retryWaitMin     time.Duration
	retryWaitMax     time.Duration
	rateLimitWaitMin time.Duration
	rateLimitWaitMax time.Duration
}

type Option func(*options)

func WithBaseURL(url string) Option {
	return func(opts *options) {
		opts.baseURL = url
	}
}

func WithMaxInFlight(n int64) Option {
	return func(opts *options) {
		opts.maxInFlight = n
	}
}

func WithRetry(retry int) Option {
	return func(opts *options) {
		opts.retry = retry
	}
}

func WithTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.timeout = d
	}
}

func WithRetryWait(min, max time.Duration) Option {
	return func(opts *options) {
		opts.retryWaitMin = min
		opts.retryWaitMax = max
	}
}

func WithRateLimitWait(min, max time.Duration) Option {
	return func(opts *options) {
		opts.rateLimitWaitMin = min
		opts.rateLimitWaitMax = max
	}
}

// Client fetches single vulnerability records from the OSV API. The number
// of concurrently in-flight requests is bounded by a fixed permit pool
// shared across all callers.
type Client struct {
	*options
	sem *semaphore.Weighted
}

func NewClient(opts ...Option) *Client {
	o := &options{
		baseURL:          defaultBaseURL,
		maxInFlight:      defaultMaxInFlight,
		retry:            defaultRetry,
		timeout:          defaultTimeout,
		retryWaitMin:     retryWaitMin,
		retryWaitMax:     retryWaitMax,
		rateLimitWaitMin: rateLimitWaitMin,
		rateLimitWaitMax: rateLimitWaitMax,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Client{
		options: o,
		sem:     semaphore.NewWeighted(o.maxInFlight),
	}
}

// Fetch returns the vulnerability record for the given id, or (nil, nil)
// when the record could not be fetched within the retry budget. A skipped
// id is not an error: the pipeline records it and moves on. The returned
// error is non-nil only when ctx is cancelled.
//
// A 429 response is backpressure, not failure: it triggers a randomized
// wait and does not consume a retry attempt.
func (c *Client) Fetch(ctx context.Context, id string) (*Vulnerability, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	url := fmt.Sprintf("%s/v1/vulns/%s", c.baseURL, id)
	for attempt := 0; attempt < c.retry; {
		resp, body, errs := gorequest.New().Get(url).Timeout(c.timeout).Type("text").EndBytes()
		if len(errs) > 0 {
			log.Printf("error fetching %s, attempt %d: %v", id, attempt+1, errs[0])
			attempt++
			if attempt < c.retry {
				if err := utils.SleepContext(ctx, utils.RandomDuration(c.retryWaitMin, c.retryWaitMax)); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var vuln Vulnerability
			if err := json.Unmarshal(body, &vuln); err != nil {
				log.Printf("unable to parse response for %s: %v", id, err)
				return nil, nil
			}
			if vuln.ID != id {
				log.Printf("warning: API returned ID %q but expected %q, fixing", vuln.ID, id)
				vuln.ID = id
			}
			vuln.Normalize()
			return &vuln, nil
		case http.StatusTooManyRequests:
			wait := utils.RandomDuration(c.rateLimitWaitMin, c.rateLimitWaitMax)
			log.Printf("rate limited for %s, waiting %s", id, wait)
			if err := utils.SleepContext(ctx, wait); err != nil {
				return nil, err
			}
		default:
			log.Printf("failed to fetch %s, status code %d, attempt %d", id, resp.StatusCode, attempt+1)
			attempt++
			if attempt < c.retry {
				if err := utils.SleepContext(ctx, utils.RandomDuration(c.retryWaitMin, c.retryWaitMax)); err != nil {
					return nil, err
				}
			}
		}
	}

	log.Printf("giving up on %s after %d attempts", id, c.retry)
	return nil, nil
}
