package osv_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediaz029/VulGPT/osv"
)

func fastClient(baseURL string, opts ...osv.Option) *osv.Client {
	base := []osv.Option{
		osv.WithBaseURL(baseURL),
		osv.WithRetryWait(time.Millisecond, 2*time.Millisecond),
		osv.WithRateLimitWait(time.Millisecond, 2*time.Millisecond),
	}
	return osv.NewClient(append(base, opts...)...)
}

func TestClientFetch(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/vulns/GHSA-xxxx-yyyy-zzzz", r.URL.Path)
			fmt.Fprint(w, `{
				"id": "GHSA-xxxx-yyyy-zzzz",
				"summary": "command injection",
				"modified": "2024-01-01T00:00:00Z",
				"affected": [{
					"package": {"name": "left-pad", "ecosystem": "npm"},
					"versions": ["1.0.0", "1.0.1"],
					"ranges": [{"type": "SEMVER", "events": [{"introduced": "0"}, {"fixed": "1.0.2"}]}]
				}]
			}`)
		}))
		defer ts.Close()

		got, err := fastClient(ts.URL).Fetch(context.Background(), "GHSA-xxxx-yyyy-zzzz")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, "GHSA-xxxx-yyyy-zzzz", got.ID)
		assert.Equal(t, "command injection", got.Summary)
		// defaults applied at the deserialization boundary
		assert.Equal(t, osv.UnknownDetails, got.Details)
		assert.Equal(t, osv.UnknownPublished, got.Published)
		assert.Equal(t, []string{}, got.Aliases)
		require.Len(t, got.Affected, 1)
		assert.Equal(t, osv.UnknownPurl, got.Affected[0].Package.Purl)
		require.Len(t, got.Affected[0].Ranges, 1)
		assert.Equal(t, osv.UnknownRepo, got.Affected[0].Ranges[0].Repo)
		assert.Equal(t, osv.UnknownFixed, got.Affected[0].Ranges[0].Events[0].Fixed)
	})

	t.Run("mismatched id is overwritten", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id": "1.6.0", "summary": "bogus upstream id"}`)
		}))
		defer ts.Close()

		got, err := fastClient(ts.URL).Fetch(context.Background(), "CVE-2024-0001")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "CVE-2024-0001", got.ID)
	})

	t.Run("rate limit is retried without consuming attempts", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 5 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, `{"id": "CVE-2024-0002"}`)
		}))
		defer ts.Close()

		// retry budget of 1 still survives 5 rate-limit responses
		got, err := fastClient(ts.URL, osv.WithRetry(1)).Fetch(context.Background(), "CVE-2024-0002")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.EqualValues(t, 6, calls.Load())
	})

	t.Run("permanent failure is attempted exactly retry times then skipped", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		got, err := fastClient(ts.URL, osv.WithRetry(3)).Fetch(context.Background(), "CVE-2024-0003")
		require.NoError(t, err, "a skipped record is not an error")
		assert.Nil(t, got)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("transient failure recovers within the retry budget", func(t *testing.T) {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, `{"id": "CVE-2024-0004"}`)
		}))
		defer ts.Close()

		got, err := fastClient(ts.URL, osv.WithRetry(3)).Fetch(context.Background(), "CVE-2024-0004")
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("cancellation surfaces", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := osv.NewClient(osv.WithBaseURL(ts.URL), osv.WithRateLimitWait(time.Minute, 2*time.Minute))
		_, err := c.Fetch(ctx, "CVE-2024-0005")
		require.ErrorIs(t, err, context.Canceled)
	})
}
