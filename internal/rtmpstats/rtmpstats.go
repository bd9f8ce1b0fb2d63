// Package rtmpstats talks to the upstream RTMP server's HTTP side: the
// XML statistics page and the record control endpoint.
package rtmpstats

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cetrio/dss/internal/config"
)

// Server mirrors the root of the RTMP statistics document.
type Server struct {
	XMLName      xml.Name      `xml:"rtmp"`
	Applications []Application `xml:"server>application"`
}

// Application is one RTMP application block.
type Application struct {
	Name string `xml:"name"`
	Live Live   `xml:"live"`
}

// Live lists the application's active streams.
type Live struct {
	Streams []Stream `xml:"stream"`
}

// Stream is one live stream entry. Publishing is an empty element whose
// presence means one of the clients is the publisher.
type Stream struct {
	Name       string    `xml:"name"`
	NClients   int       `xml:"nclients"`
	Publishing *struct{} `xml:"publishing"`
}

// Subscribers is the client count excluding the publisher.
func (s Stream) Subscribers() int {
	n := s.NClients
	if s.Publishing != nil {
		n--
	}
	return n
}

// Application returns the application with the given name, nil when the
// document does not list it.
func (s *Server) Application(name string) *Application {
	for i := range s.Applications {
		if s.Applications[i].Name == name {
			return &s.Applications[i]
		}
	}
	return nil
}

// Client fetches statistics and issues record control calls.
type Client struct {
	cfg  config.UpstreamConfig
	http *http.Client
}

// NewClient creates a client for the configured upstream HTTP side.
func NewClient(cfg config.UpstreamConfig) *Client {
	timeout := cfg.StatFetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) join(parts ...string) string {
	out := strings.TrimRight(c.cfg.Addr, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}

// Fetch downloads and decodes the statistics document.
func (c *Client) Fetch(ctx context.Context) (*Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.join(c.cfg.StatURL), nil)
	if err != nil {
		return nil, fmt.Errorf("building stats request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching rtmp stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching rtmp stats: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading rtmp stats: %w", err)
	}

	var server Server
	if err := xml.Unmarshal(body, &server); err != nil {
		return nil, fmt.Errorf("decoding rtmp stats: %w", err)
	}
	return &server, nil
}

// RecordAction starts or stops a named recorder on the upstream server
// and returns the recording file path the server reports. The control
// endpoint shape is
// <control_url>/record/<start|stop>?app=APP&name=NAME&rec=REC.
func (c *Client) RecordAction(ctx context.Context, action, app, name, rec string) (string, error) {
	if action != "start" && action != "stop" {
		return "", fmt.Errorf("invalid record action %q", action)
	}

	query := url.Values{
		"app":  {app},
		"name": {name},
		"rec":  {rec},
	}
	target := c.join(c.cfg.ControlURL, "record", action) + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("building record control request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("record %s %s/%s: %w", action, app, name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("record %s %s/%s: %w", action, app, name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("record %s %s/%s: unexpected status %s", action, app, name, resp.Status)
	}
	return strings.TrimSpace(string(body)), nil
}
