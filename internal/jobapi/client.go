// Package jobapi talks to the job backend: submitting work, cancelling it and
// building the stream requests used to follow it.
package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/id/uuid"
	"github.com/JakeFAU/jobstream/internal/stream"
)

var (
	// ErrInvalidJobID is returned when the backend hands out an identity that
	// does not match the job id pattern.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrAbortRejected is returned when the backend answers an abort with a
	// non-2xx status.
	ErrAbortRejected = errors.New("abort rejected")
	// ErrSubmitRejected is returned when the backend answers a submission with
	// a non-2xx status.
	ErrSubmitRejected = errors.New("submission rejected")
)

// HighDeletionsField is the form field that confirms a high-deletion run.
const HighDeletionsField = "high_deletions_ok"

// Paths are the backend endpoints relative to the base URL.
type Paths struct {
	Submit   string
	Status   string
	Abort    string
	Download string
}

// DefaultPaths returns the stock backend routes.
func DefaultPaths() Paths {
	return Paths{
		Submit:   "/result",
		Status:   "/status",
		Abort:    "/abort",
		Download: "/download",
	}
}

// File is one uploaded file in a submission.
type File struct {
	Field string
	Name  string
	Data  []byte
}

// Payload is the submission form. It is kept in memory so it can be replayed
// when a high-deletion failure is confirmed.
type Payload struct {
	Fields url.Values
	Files  []File
}

// WithHighDeletionsOK returns a copy of p carrying the confirmation flag.
func (p Payload) WithHighDeletionsOK() Payload {
	out := Payload{Fields: url.Values{}, Files: append([]File(nil), p.Files...)}
	for k, v := range p.Fields {
		out.Fields[k] = append([]string(nil), v...)
	}
	out.Fields.Set(HighDeletionsField, "true")
	return out
}

// Submission is the backend's answer to a two-step submission.
type Submission struct {
	JobID     string `json:"client_uuid"`
	UnitCount int    `json:"mode_count"`
}

// Client issues backend calls. It is safe for concurrent use.
type Client struct {
	http   *http.Client
	base   *url.URL
	paths  Paths
	ids    *uuid.Generator
	logger *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithPaths overrides the backend routes. Empty entries keep their default.
func WithPaths(p Paths) Option {
	return func(cl *Client) {
		def := cl.paths
		if p.Submit == "" {
			p.Submit = def.Submit
		}
		if p.Status == "" {
			p.Status = def.Status
		}
		if p.Abort == "" {
			p.Abort = def.Abort
		}
		if p.Download == "" {
			p.Download = def.Download
		}
		cl.paths = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New builds a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		http:   http.DefaultClient,
		base:   base,
		paths:  DefaultPaths(),
		ids:    uuid.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit posts the payload and returns the job identity the backend assigned.
func (c *Client) Submit(ctx context.Context, p Payload) (Submission, error) {
	body, contentType, err := encodeForm(p, "")
	if err != nil {
		return Submission{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.paths.Submit), bytes.NewReader(body))
	if err != nil {
		return Submission{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Submission{}, fmt.Errorf("submit: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Submission{}, fmt.Errorf("%w: status %d", ErrSubmitRejected, resp.StatusCode)
	}

	var sub Submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	if !uuid.Valid(sub.JobID) {
		return Submission{}, fmt.Errorf("%w: %q", ErrInvalidJobID, sub.JobID)
	}
	c.logger.Debug("job submitted", zap.String("job_id", sub.JobID), zap.Int("unit_count", sub.UnitCount))
	return sub, nil
}

type abortRequest struct {
	JobID string `json:"client_uuid"`
}

// Abort asks the backend to stop the job. Only a 2xx answer counts as
// accepted.
func (c *Client) Abort(ctx context.Context, jobID string) error {
	if !uuid.Valid(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	body, err := json.Marshal(abortRequest{JobID: jobID})
	if err != nil {
		return fmt.Errorf("encode abort: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint(c.paths.Abort), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build abort request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAbortRejected, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrAbortRejected, resp.StatusCode)
	}
	return nil
}

// StatusRequest returns the stream request that follows an existing job.
func (c *Client) StatusRequest(jobID string) stream.Request {
	return stream.Request{
		Method: http.MethodGet,
		URL:    c.endpoint(c.paths.Status, jobID),
	}
}

// InlineRequest returns a stream request whose body is the submission itself.
// The job identity is generated locally and sent as client_uuid so that it is
// known before the first event arrives.
func (c *Client) InlineRequest(p Payload) (stream.Request, string, error) {
	jobID, err := c.ids.NewID()
	if err != nil {
		return stream.Request{}, "", err
	}
	body, contentType, err := encodeForm(p, jobID)
	if err != nil {
		return stream.Request{}, "", err
	}
	return stream.Request{
		Method: http.MethodPost,
		URL:    c.endpoint(c.paths.Submit),
		Header: http.Header{"Content-Type": {contentType}},
		Body:   body,
	}, jobID, nil
}

// ResultURL returns the download location for a result reference.
func (c *Client) ResultURL(ref string) string {
	return c.endpoint(c.paths.Download, ref)
}

func (c *Client) endpoint(route string, segments ...string) string {
	u := *c.base
	parts := append([]string{u.Path, route}, segments...)
	u.Path = path.Join(parts...)
	u.RawPath = ""
	return u.String()
}

func encodeForm(p Payload, jobID string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if jobID != "" {
		if err := w.WriteField("client_uuid", jobID); err != nil {
			return nil, "", fmt.Errorf("encode form: %w", err)
		}
	}
	for key, values := range p.Fields {
		for _, v := range values {
			if err := w.WriteField(key, v); err != nil {
				return nil, "", fmt.Errorf("encode form: %w", err)
			}
		}
	}
	for _, f := range p.Files {
		fw, err := w.CreateFormFile(f.Field, f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("encode form file %s: %w", f.Name, err)
		}
		if _, err := fw.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("encode form file %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("encode form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
