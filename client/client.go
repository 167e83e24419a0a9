package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type RequestOptions struct {
	Headers         map[string]string
	Timeout         time.Duration
	FollowRedirects bool
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPClient issues JSON requests against BaseURL. With an empty BaseURL the
// endpoint is used as a full URL.
type HTTPClient struct {
	BaseURL     string
	Client      *http.Client
	DefaultOpts RequestOptions
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{},
		DefaultOpts: RequestOptions{
			Headers:         map[string]string{},
			Timeout:         timeout,
			FollowRedirects: true,
		},
	}
}

// Call sends body as JSON. Every call is bounded by opts.Timeout in
// addition to any deadline already on ctx.
func (c *HTTPClient) Call(ctx context.Context, method, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &c.DefaultOpts
	}

	url := c.BaseURL + endpoint

	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		bodyReader = bytes.NewReader(bodyJSON)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s", method, url)
	}

	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := *c.Client
	if !opts.FollowRedirects {
		httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{StatusCode: resp.StatusCode, Headers: resp.Header}, errors.Wrap(err, "reading response body")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func (c *HTTPClient) GET(ctx context.Context, endpoint string, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodGet, endpoint, nil, opts)
}

func (c *HTTPClient) POST(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodPost, endpoint, body, opts)
}

func UnmarshalBody(resp *Response, target interface{}) error {
	if len(resp.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return errors.Wrap(err, "failed to unmarshal response body")
	}
	return nil
}
