package proxypool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/proxy"

	"sniper/internal/domain"
)

const bytesPerMB = 1024 * 1024

// Response is an upstream reply read in full so its size can be billed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proxy      *domain.Proxy
	Elapsed    time.Duration
}

// Client sends requests through pool proxies and reports every outcome
// back to the manager.
type Client struct {
	manager *Manager
	timeout time.Duration
}

// NewClient returns a client using the configured request timeout when
// timeout is zero.
func NewClient(manager *Manager, timeout time.Duration) *Client {
	return &Client{manager: manager, timeout: timeout}
}

func (c *Client) Do(req *http.Request, requirements Requirements) (*Response, error) {
	ctx := req.Context()

	selected, err := c.manager.GetProxy(ctx, requirements)
	if err != nil {
		return nil, err
	}

	timeout := c.timeout
	if timeout <= 0 {
		timeout = c.manager.settings().RequestTimeout()
	}

	started := time.Now()
	usage := Usage{Host: req.URL.Hostname()}
	defer func() {
		usage.ResponseTime = time.Since(started)
		if err := c.manager.ReportUsage(ctx, selected, usage); err != nil {
			log.Warn("Failed to report proxy usage", "proxy_id", selected.ID, "error", err)
		}
	}()

	transport, err := newTransport(selected, timeout)
	if err != nil {
		usage.Err = err.Error()
		return nil, err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		usage.Err = err.Error()
		return nil, fmt.Errorf("request via %s: %w", selected.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	usage.BandwidthMB = float64(len(body)) / bytesPerMB
	if err != nil {
		usage.Err = err.Error()
		return nil, fmt.Errorf("read response via %s: %w", selected.Redacted(), err)
	}

	usage.Success = resp.StatusCode < http.StatusBadRequest
	if !usage.Success {
		usage.Err = resp.Status
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Proxy:      selected,
		Elapsed:    time.Since(started),
	}, nil
}

// newTransport builds a single-use transport routed through p.
func newTransport(p *domain.Proxy, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 0}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	proxyURL, err := p.AuthURL()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(proxyURL.Scheme) {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if p.HasAuth() {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
		if err != nil {
			return nil, err
		}
		if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return socksDialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}

	return transport, nil
}
