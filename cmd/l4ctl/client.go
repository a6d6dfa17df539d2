package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	api "github.com/GriffinCanCode/l4core/internal/api/http"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
	"github.com/GriffinCanCode/l4core/internal/snapshot"
)

// ErrDigest means a downloaded snapshot does not match its digest header.
var ErrDigest = errors.New("snapshot digest mismatch")

// Client talks to the admin API.
type Client struct {
	base string
	http *resty.Client
}

// NewClient creates a client for the admin server at base.
func NewClient(base string, timeout time.Duration) *Client {
	r := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return false
			}
			return resp.StatusCode() == http.StatusTooManyRequests
		})
	r.JSONMarshal = sonic.Marshal
	r.JSONUnmarshal = sonic.Unmarshal
	return &Client{base: strings.TrimRight(base, "/"), http: r}
}

// apiError is an error body of the admin API.
type apiError struct {
	Status int
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Msg)
}

// Get fetches path as raw JSON.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return resp.Body(), nil
}

// Invoke calls op of the service name. A reply carrying an error status is
// returned together with an error.
func (c *Client) Invoke(ctx context.Context, req types.InvokeRequest) (*types.InvokeResponse, error) {
	var out types.InvokeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/invoke")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		if out.Error == "" {
			return nil, responseError(resp)
		}
		return &out, &apiError{Status: resp.StatusCode(), Msg: out.Error}
	}
	return &out, nil
}

// Snapshot downloads the compressed CBOR snapshot, checks it against the
// digest header and returns it with its raw bytes.
func (c *Client) Snapshot(ctx context.Context) (kernel.Snapshot, []byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", api.ContentTypeSnapshot).
		SetQueryParam("format", "cbor").
		Get("/kernel/snapshot")
	if err != nil {
		return kernel.Snapshot{}, nil, err
	}
	if resp.IsError() {
		return kernel.Snapshot{}, nil, responseError(resp)
	}
	raw := resp.Body()
	s, err := snapshot.Read(bytes.NewReader(raw))
	if err != nil {
		return kernel.Snapshot{}, nil, err
	}
	if want := resp.Header().Get(api.HeaderDigest); want != "" {
		got, err := snapshot.Digest(s)
		if err != nil {
			return kernel.Snapshot{}, nil, err
		}
		if got != want {
			return kernel.Snapshot{}, nil, fmt.Errorf("%w: got %s, want %s", ErrDigest, got, want)
		}
	}
	return s, raw, nil
}

// Trace streams spans to fn until ctx ends or fn returns an error.
func (c *Client) Trace(ctx context.Context, prefix string, fn func(tracing.Span) error) error {
	u, err := url.Parse(c.base + "/trace/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if prefix != "" {
		u.RawQuery = url.Values{"prefix": {prefix}}.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var span tracing.Span
		if err := sonic.Unmarshal(data, &span); err != nil {
			return err
		}
		if err := fn(span); err != nil {
			return err
		}
	}
}

func responseError(resp *resty.Response) error {
	e := &apiError{Status: resp.StatusCode()}
	if err := sonic.Unmarshal(resp.Body(), e); err != nil || e.Msg == "" {
		e.Msg = strings.TrimSpace(string(resp.Body()))
	}
	return e
}
