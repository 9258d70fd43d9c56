// Package clients talks to the HTTP collaborators around a session: the
// training workshop and the teaching dashboard.
package clients

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

type HTTP struct{ c *http.Client }

func NewHTTP() *HTTP { return &HTTP{c: &http.Client{Timeout: 60 * time.Second}} }

// statusError reads a short excerpt of a failed response body.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("%s %s: %s", op, resp.Status, string(body))
}
