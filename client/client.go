package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/kjk/kvlog/httpapi"
)

// Client talks to kvlog-server over HTTP
type Client struct {
	BaseURL string
	// if nil, uses a client with 10 sec timeout
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ServerError is an error response from the server
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) builder(path string) *requests.Builder {
	rb := requests.URL(c.BaseURL).Path(path)
	if c.HTTPClient != nil {
		rb = rb.Client(c.HTTPClient)
	}
	return rb
}

func (c *Client) fetch(ctx context.Context, rb *requests.Builder, res any) error {
	var errRes httpapi.ErrorResponse
	var code int
	err := rb.
		AddValidator(func(rsp *http.Response) error {
			code = rsp.StatusCode
			return nil
		}).
		AddValidator(requests.ValidatorHandler(requests.DefaultValidator, requests.ToJSON(&errRes))).
		ToJSON(res).
		Fetch(ctx)
	if err != nil && errRes.Error != "" {
		return &ServerError{StatusCode: code, Message: errRes.Error}
	}
	return err
}

// Up checks that the server responds
func (c *Client) Up(ctx context.Context) error {
	var res struct {
		Up bool `json:"up"`
	}
	if err := c.fetch(ctx, c.builder("/"), &res); err != nil {
		return err
	}
	if !res.Up {
		return fmt.Errorf("server at '%s' is not up", c.BaseURL)
	}
	return nil
}

func (c *Client) Set(ctx context.Context, key, val string) (*httpapi.SetResponse, error) {
	req := httpapi.SetRequest{Key: key, Val: val}
	var res httpapi.SetResponse
	rb := c.builder("/set").BodyJSON(&req)
	if err := c.fetch(ctx, rb, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Get(ctx context.Context, key string) (*httpapi.GetResponse, error) {
	var res httpapi.GetResponse
	rb := c.builder("/get").Param("key", key)
	if err := c.fetch(ctx, rb, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Remove returns Removed == false and Found == false for a missing key
func (c *Client) Remove(ctx context.Context, key string) (*httpapi.RemoveResponse, error) {
	req := httpapi.RemoveRequest{Key: key}
	var res httpapi.RemoveResponse
	rb := c.builder("/rm").Delete().BodyJSON(&req)
	if err := c.fetch(ctx, rb, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
