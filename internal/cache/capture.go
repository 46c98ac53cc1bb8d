package cache

import (
	"bytes"
	"net/http"
)

// responseCapture buffers what a handler writes, optionally passing it on
// to a real client at the same time. Bodies above limit are not retained.
type responseCapture struct {
	downstream http.ResponseWriter
	header     http.Header
	status     int
	body       bytes.Buffer
	limit      int64
	overflow   bool
}

func newResponseCapture(downstream http.ResponseWriter, limit int64) *responseCapture {
	c := &responseCapture{downstream: downstream, limit: limit}
	if downstream == nil {
		c.header = make(http.Header)
	}
	return c
}

func (c *responseCapture) Header() http.Header {
	if c.downstream != nil {
		return c.downstream.Header()
	}
	return c.header
}

func (c *responseCapture) WriteHeader(status int) {
	if c.status != 0 {
		return
	}
	c.status = status
	if c.downstream != nil {
		c.downstream.WriteHeader(status)
	}
}

func (c *responseCapture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if !c.overflow {
		if int64(c.body.Len()+len(p)) > c.limit {
			c.overflow = true
			c.body.Reset()
		} else {
			c.body.Write(p)
		}
	}
	if c.downstream != nil {
		return c.downstream.Write(p)
	}
	return len(p), nil
}

func (c *responseCapture) Flush() {
	if flusher, ok := c.downstream.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// cacheable reports whether the captured response may be stored.
func (c *responseCapture) cacheable() bool {
	return !c.overflow && c.statusCode() < http.StatusInternalServerError
}
