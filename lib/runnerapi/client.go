// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package runnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/codec"
	"github.com/alexandervashurin/semaphore-sub002/lib/netutil"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

const (
	// DefaultAttempts bounds tries of a request that failed on the
	// network or with a 5xx.
	DefaultAttempts = 4

	// DefaultBackoff is the delay before the first retry; each later
	// retry doubles it.
	DefaultBackoff = 250 * time.Millisecond
)

// ErrGone is returned when the server no longer assigns the task to
// this runner. The runner stops the task and drops its output.
var ErrGone = errors.New("task is no longer assigned to this runner")

// ErrUnauthorized is returned when the server rejects the runner's
// token. The runner must register again.
var ErrUnauthorized = errors.New("runner token rejected")

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the server's base URL, e.g. https://semaphore.example.
	URL string

	// RunnerID and Token are issued at registration. Register works
	// without them.
	RunnerID int64
	Token    string

	HTTPClient *http.Client
	Attempts   int
	Backoff    time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client calls the runner routes of a server.
type Client struct {
	base     *url.URL
	runnerID int64
	token    string
	http     *http.Client
	attempts int
	backoff  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", config.URL)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if config.Attempts <= 0 {
		config.Attempts = DefaultAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		base:     base,
		runnerID: config.RunnerID,
		token:    config.Token,
		http:     config.HTTPClient,
		attempts: config.Attempts,
		backoff:  config.Backoff,
		clock:    config.Clock,
		logger:   config.Logger,
	}, nil
}

// WithRunner returns a copy of c that calls the routes of runner id
// and authenticates with token.
func (c *Client) WithRunner(id int64, token string) *Client {
	copied := *c
	copied.runnerID = id
	copied.token = token
	return &copied
}

// request describes one call. body is called once per attempt.
type request struct {
	method      string
	path        string
	contentType string
	encoding    string
	body        func() (io.Reader, error)
}

// do sends request, retrying network failures and 5xx responses. The
// caller owns the returned response body.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	target := c.base.JoinPath(r.path)
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		var body io.Reader
		if r.body != nil {
			var err error
			if body, err = r.body(); err != nil {
				return nil, err
			}
		}
		httpRequest, err := http.NewRequestWithContext(ctx, r.method, target.String(), body)
		if err != nil {
			return nil, err
		}
		if r.contentType != "" {
			httpRequest.Header.Set("Content-Type", r.contentType)
		}
		if r.encoding != "" {
			httpRequest.Header.Set("Content-Encoding", r.encoding)
		}
		if c.token != "" {
			httpRequest.Header.Set("Authorization", "Bearer "+c.token)
		}

		response, err := c.http.Do(httpRequest)
		if err == nil {
			err = netutil.CheckResponse(response)
			if err == nil {
				return response, nil
			}
			response.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt >= c.attempts {
			return nil, classify(err)
		}
		c.logger.Warn("runner request failed, retrying",
			"method", r.method, "path", r.path, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	var httpError *netutil.HTTPError
	if errors.As(err, &httpError) {
		return httpError.StatusCode >= 500 || httpError.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// classify maps the statuses the protocol gives meaning to onto
// sentinel errors.
func classify(err error) error {
	var httpError *netutil.HTTPError
	if !errors.As(err, &httpError) {
		return err
	}
	switch httpError.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrGone, err)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func jsonBody(v any) (func() (io.Reader, error), error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return func() (io.Reader, error) { return bytes.NewReader(data), nil }, nil
}

// call sends in as JSON and decodes the JSON reply into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	body, err := jsonBody(in)
	if err != nil {
		return err
	}
	response, err := c.do(ctx, request{method: method, path: path, contentType: "application/json", body: body})
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if out == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	return netutil.DecodeResponse(response.Body, out)
}

func (c *Client) runnerPath(leaf string) string {
	return "/api/runners/" + strconv.FormatInt(c.runnerID, 10) + "/" + leaf
}

func (c *Client) jobPath(taskID int64, leaf string) string {
	return c.runnerPath("jobs/" + strconv.FormatInt(taskID, 10) + "/" + leaf)
}

// Register registers a new runner. The reply's token authenticates
// every later call.
func (c *Client) Register(ctx context.Context, registration task.Registration) (task.RegistrationReply, error) {
	var reply task.RegistrationReply
	if err := c.call(ctx, http.MethodPost, "/api/runners/register", registration, &reply); err != nil {
		return task.RegistrationReply{}, fmt.Errorf("registering runner: %w", err)
	}
	return reply, nil
}

// Heartbeat reports the jobs the runner holds and returns new work.
func (c *Client) Heartbeat(ctx context.Context, heartbeat task.Heartbeat) (task.Assignment, error) {
	var assignment task.Assignment
	if err := c.call(ctx, http.MethodPost, c.runnerPath("heartbeat"), heartbeat, &assignment); err != nil {
		return task.Assignment{}, err
	}
	return assignment, nil
}

// ReportStatus sends one status change of taskID.
func (c *Client) ReportStatus(ctx context.Context, taskID int64, report task.StatusReport) error {
	return c.call(ctx, http.MethodPost, c.jobPath(taskID, "status"), report, nil)
}

// SendOutput uploads records of taskID as an lz4 framed CBOR sequence.
func (c *Client) SendOutput(ctx context.Context, taskID int64, records []task.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	encoder := codec.NewEncoder(writer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encoding output record: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("compressing output: %w", err)
	}
	data := buffer.Bytes()
	response, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        c.jobPath(taskID, "output"),
		contentType: contentTypeCBORSeq,
		encoding:    contentEncodingLZ4,
		body:        func() (io.Reader, error) { return bytes.NewReader(data), nil },
	})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, response.Body)
	return response.Body.Close()
}

// UploadPlan stores the plan produced by Build task taskID. open is
// called once per attempt.
func (c *Client) UploadPlan(ctx context.Context, taskID int64, open func() (io.ReadCloser, error)) error {
	var current io.ReadCloser
	defer func() {
		if current != nil {
			current.Close()
		}
	}()
	response, err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        c.jobPath(taskID, "plan"),
		contentType: "application/octet-stream",
		body: func() (io.Reader, error) {
			if current != nil {
				current.Close()
			}
			var err error
			current, err = open()
			return current, err
		},
	})
	if err != nil {
		return fmt.Errorf("uploading plan: %w", err)
	}
	io.Copy(io.Discard, response.Body)
	return response.Body.Close()
}

// DownloadPlan writes the plan Deploy task taskID applies into w. The
// download counts only if the server confirmed the plan's digest after
// the last byte.
func (c *Client) DownloadPlan(ctx context.Context, taskID int64, w io.Writer) error {
	response, err := c.do(ctx, request{method: http.MethodGet, path: c.jobPath(taskID, "plan")})
	if err != nil {
		return fmt.Errorf("downloading plan: %w", err)
	}
	defer response.Body.Close()
	if _, err := io.Copy(w, response.Body); err != nil {
		return fmt.Errorf("downloading plan: %w", err)
	}
	if response.Trailer.Get(planVerifiedTrailer) != "true" {
		return errors.New("downloading plan: server did not verify the plan digest")
	}
	return nil
}
