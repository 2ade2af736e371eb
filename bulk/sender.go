package bulk

import (
	"bytes"
	"context"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// RetryableHTTPSender is the default HTTP collaborator: it POSTs _bulk
// payloads to the backend with retryablehttp's backoff. Backend
// retries, auth, and connection pooling are entirely its concern (spec
// §7).
type RetryableHTTPSender struct {
	client *retryablehttp.Client
	url    string
}

// NewRetryableHTTPSender returns a sender posting to url (the full
// _bulk endpoint, e.g. "http://backend:9200/_bulk").
func NewRetryableHTTPSender(url string) *RetryableHTTPSender {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &RetryableHTTPSender{client: client, url: url}
}

// SendBulk implements Sender.
func (s *RetryableHTTPSender) SendBulk(ctx context.Context, buf []byte, count int) error {
	req, err := retryablehttp.NewRequest("POST", s.url, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "building bulk request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sending bulk of %d records", count)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("bulk send of %d records: backend returned %s", count, resp.Status)
	}
	return nil
}
