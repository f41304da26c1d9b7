package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/thep200/gitpulse/pkg/log"
)

// leveledLogger lets retryablehttp write through our Logger. Errors are
// logged as warnings since a retry follows them.
type leveledLogger struct {
	inner log.Logger
}

func kv(msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(context.Background(), "%s", kv(msg, keysAndValues))
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(context.Background(), "%s", kv(msg, keysAndValues))
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Debug(context.Background(), "%s", kv(msg, keysAndValues))
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debug(context.Background(), "%s", kv(msg, keysAndValues))
}

// retryPolicy retries connection errors and 5xx responses. Rate-limit
// statuses are returned untouched so the monitor can react to them.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// newHTTPClient builds the transport chain: retries outside, auth inside.
func newHTTPClient(logger log.Logger, auth http.RoundTripper, retryMax int, timeout time.Duration) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = auth
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledLogger{inner: logger})
	retryClient.CheckRetry = retryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := retryClient.StandardClient()
	client.Timeout = timeout
	return client
}
