package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antonholmquist/jason"
)

// A Connection represents a connection with a snapcache server.
// It can be shared between multiple goroutines.
type Connection struct {
	// The snapcache server this connection is to, e.g. http://host:14100
	HostURL string

	// Token is sent as the X-Api-Key header if it is not empty.
	Token string
}

// Exported errors
var (
	ErrNotFound       = errors.New("Snapshot Not Found")
	ErrNotAuthorized  = errors.New("Access Denied")
	ErrForbidden      = errors.New("Package Not Permitted")
	ErrBadRequest     = errors.New("Bad Request")
	ErrServerError    = errors.New("Server Error")
	ErrUnexpectedResp = errors.New("Unexpected Response Code")
)

// httpClient is shared by every Connection. The timeout is arbitrary, and
// is just there so we don't hang indefinitely should the server never close
// the connection.
var httpClient = &http.Client{
	Timeout: 10 * time.Minute,
}

// do performs an http request, adding the API key if there is one.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Add("X-Api-Key", c.Token)
	}
	return httpClient.Do(req)
}

// checkStatus maps an unsuccessful response onto one of the exported
// errors. The body, if any, is included in the message of server errors.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	switch resp.StatusCode {
	case 404:
		return ErrNotFound
	case 401:
		return ErrNotAuthorized
	case 403:
		return ErrForbidden
	case 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s", ErrBadRequest, body)
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrServerError, resp.StatusCode, body)
	}
	return fmt.Errorf("%w: received status %d", ErrUnexpectedResp, resp.StatusCode)
}

// open sends a request without a body and returns the response once its
// status is want. The caller closes the body.
func (c *Connection) open(method, path string, want int) (*http.Response, error) {
	req, err := http.NewRequest(method, c.HostURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, want); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Connection) doJason(method, path string, want int) (*jason.Value, error) {
	resp, err := c.open(method, path, want)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return jason.NewValueFromReader(resp.Body)
}

// getJSON decodes the response to a GET of path into v. Metadata goes
// through here since it has to arrive byte for byte.
func (c *Connection) getJSON(path string, v interface{}) error {
	resp, err := c.open("GET", path, 200)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Connection) doJasonGet(path string) (*jason.Object, error) {
	v, err := c.doJason("GET", path, 200)
	if err != nil {
		return nil, err
	}
	return v.Object()
}
