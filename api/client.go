// Package api implements the client-side API for code wishing to interact
// with the constrain service.
//
//	client, err := api.ClientFromEnvironment()
//	if err != nil {
//		return err
//	}
//
//	var resp *api.RegexResponse
//	resp, err = client.Regex(ctx, &api.RegexRequest{Schema: schema})
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/version"
)

// Client encapsulates client state for interacting with the constrain
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable CONSTRAIN_HOST, which points to the network host and
// port on which the constrain service is listening. The format of this
// variable is:
//
//	<scheme>://<host>:<port>
//
// If the variable is not specified, a default host and port will be used.
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(bts)
	}

	requestURL := c.base.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("constrain/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}
	return nil
}

// Regex compiles a JSON schema into a regular expression.
func (c *Client) Regex(ctx context.Context, req *RegexRequest) (*RegexResponse, error) {
	var resp RegexResponse
	if err := c.do(ctx, http.MethodPost, "/api/regex", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Index builds the token index of a schema or regular expression over a
// vocabulary.
func (c *Client) Index(ctx context.Context, req *IndexRequest) (*IndexResponse, error) {
	var resp IndexResponse
	if err := c.do(ctx, http.MethodPost, "/api/index", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the constrain server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}
	return version.Version, nil
}

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil)
}
