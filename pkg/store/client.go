package store

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// Config carries everything the client needs to reach one bucket.
type Config struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint overrides the derived AWS host, for S3-compatible stores
	// and tests. Must include the scheme when set.
	Endpoint string

	Insecure bool

	Timeout    time.Duration
	RetryStep  time.Duration
	MaxRetries int
}

// Client issues signed GET and LIST requests against a single bucket.
type Client struct {
	Log *logrus.Entry

	config     Config
	endpoint   string
	signer     *signer
	httpClient *http.Client
	retryBase  time.Duration
}

// Response is the body and headers of a successful request.
type Response struct {
	Body   []byte
	Header http.Header
}

// ListResult is a parsed ListBucketResult page.
type ListResult struct {
	IsTruncated    bool     `xml:"IsTruncated"`
	NextMarker     string   `xml:"NextMarker"`
	Keys           []string `xml:"Contents>Key"`
	CommonPrefixes []string `xml:"CommonPrefixes>Prefix"`
}

// NewClient builds a client for the configured bucket. It fails with an
// AuthError when credentials are missing so the first request doesn't have
// to.
func NewClient(log *logrus.Entry, config Config) (*Client, error) {
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, &AuthError{Reason: "access key and secret key are required"}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryStep == 0 {
		config.RetryStep = 2 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &Client{
		Log:        log,
		config:     config,
		endpoint:   endpointFor(config),
		signer:     newSigner(config.AccessKey, config.SecretKey, config.Region),
		httpClient: &http.Client{Timeout: config.Timeout},
		retryBase:  time.Second,
	}, nil
}

// endpointFor picks the regional S3 host. us-east-1 uses the external-1
// alias so newly created keys resolve consistently.
func endpointFor(config Config) string {
	if config.Endpoint != "" {
		return config.Endpoint
	}
	scheme := "https"
	if config.Insecure {
		scheme = "http"
	}
	host := fmt.Sprintf("s3-%s.amazonaws.com", config.Region)
	if config.Region == "us-east-1" {
		host = "s3-external-1.amazonaws.com"
	}
	return scheme + "://" + host
}

// Get fetches a single object and returns its body.
func (c *Client) Get(ctx context.Context, key string) (*Response, error) {
	return c.fetch(ctx, c.objectURL(key, nil))
}

// List fetches one page of the bucket listing. Pagination is the caller's
// concern: pass the NextMarker of the previous page as marker.
func (c *Client) List(ctx context.Context, prefix, delimiter, marker string) (*ListResult, error) {
	query := url.Values{}
	query.Set("prefix", prefix)
	if delimiter != "" {
		query.Set("delimiter", delimiter)
	}
	if marker != "" {
		query.Set("marker", marker)
	}

	resp, err := c.fetch(ctx, c.objectURL("", query))
	if err != nil {
		return nil, err
	}

	result := &ListResult{}
	if err := xml.Unmarshal(resp.Body, result); err != nil {
		return nil, &TransportError{Op: "parse list response", Err: err}
	}
	// Listing without a delimiter omits NextMarker; the last key of the
	// page is the marker to resume from.
	if result.IsTruncated && result.NextMarker == "" && len(result.Keys) > 0 {
		result.NextMarker = result.Keys[len(result.Keys)-1]
	}
	return result, nil
}

func (c *Client) objectURL(key string, query url.Values) string {
	u := fmt.Sprintf("%s/%s/%s", c.endpoint, c.config.Bucket, key)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// fetch issues a signed GET with retries. Transport errors, 5xx and 429
// responses retry with a backoff of 1s plus the configured step per
// attempt; other errors surface immediately.
func (c *Client) fetch(ctx context.Context, rawURL string) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase + time.Duration(attempt-1)*c.config.RetryStep
			c.Log.WithFields(logrus.Fields{"url": rawURL, "attempt": attempt}).
				Debugf("retrying in %s: %s", delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &TransportError{Op: "GET " + rawURL, Err: ctx.Err()}
			}
		}

		resp, err := c.fetchOnce(ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if storeErr, ok := err.(*StoreError); ok && !storeErr.Retryable() {
			return nil, err
		}
		if _, ok := err.(*AuthError); ok {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	if err := c.signer.Sign(req, emptyPayloadHash); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET " + rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStoreError(resp.StatusCode, resp.Status, resp.Header.Get("Content-Type"), body)
	}

	return &Response{Body: body, Header: resp.Header}, nil
}
