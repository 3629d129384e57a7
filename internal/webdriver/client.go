// Package webdriver speaks just enough of the W3C WebDriver protocol to open and close
// remote sessions against an Appium-compatible hub.
package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultHTTPTimeout = 2 * time.Minute

// Endpoint is a hub address split the way remote drivers expect it.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
	Path     string
}

// ParseEndpoint splits raw into protocol, host, port and path. Missing ports default per scheme.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errors.New("webdriver: empty endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, errors.Wrap(scrubURLError(err), "webdriver: parse endpoint")
	}
	ep := Endpoint{
		Protocol: strings.ToLower(u.Scheme),
		Host:     u.Hostname(),
		Path:     strings.TrimRight(u.Path, "/"),
	}
	switch ep.Protocol {
	case "http":
		ep.Port = 80
	case "https":
		ep.Port = 443
	default:
		return Endpoint{}, errors.Errorf("webdriver: unsupported scheme %q", u.Scheme)
	}
	if ep.Host == "" {
		return Endpoint{}, errors.New("webdriver: endpoint has no host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, errors.Errorf("webdriver: invalid port %q", p)
		}
		ep.Port = port
	}
	return ep, nil
}

// BaseURL reassembles the endpoint without a trailing slash.
func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d%s", e.Protocol, e.Host, e.Port, e.Path)
}

// ErrorKind groups failures so callers can tell network trouble from a refused session.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindRejected  ErrorKind = "rejected"
)

// Error is returned by Client for every failed call.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("webdriver ")
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " error=%q", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%q", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Session is a remote session. Delete is safe to repeat.
type Session struct {
	ID           string
	Endpoint     Endpoint
	Capabilities map[string]any

	deleted atomic.Bool
}

// Deleted reports whether DeleteSession already ran for this session.
func (s *Session) Deleted() bool { return s != nil && s.deleted.Load() }

// Client issues WebDriver HTTP calls.
type Client struct {
	httpClient *http.Client
}

// NewClient uses httpClient or a client with a generous default timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{httpClient: httpClient}
}

// NewSession posts the capabilities as W3C alwaysMatch.
func (c *Client) NewSession(ctx context.Context, ep Endpoint, caps map[string]any) (*Session, error) {
	payload := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": caps,
			"firstMatch":  []map[string]any{{}},
		},
	}
	raw, status, err := c.do(ctx, http.MethodPost, ep.BaseURL()+"/session", payload)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, errorFromBody(status, raw)
	}
	var parsed struct {
		SessionID string          `json:"sessionId"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocol, StatusCode: status, Err: errors.Wrap(err, "decode new session response")}
	}
	var value struct {
		SessionID    string         `json:"sessionId"`
		Capabilities map[string]any `json:"capabilities"`
		Error        string         `json:"error"`
		Message      string         `json:"message"`
	}
	if len(parsed.Value) > 0 {
		_ = json.Unmarshal(parsed.Value, &value)
	}
	if value.Error != "" {
		return nil, &Error{Kind: KindRejected, StatusCode: status, Code: value.Error, Message: value.Message}
	}
	id := value.SessionID
	if id == "" {
		// JSON wire protocol hubs put sessionId at the top level.
		id = parsed.SessionID
	}
	if id == "" {
		return nil, &Error{Kind: KindProtocol, StatusCode: status, Message: "response has no sessionId"}
	}
	log.Debug().Str("session_id", id).Str("endpoint", ep.Host).Msg("webdriver session created")
	return &Session{ID: id, Endpoint: ep, Capabilities: value.Capabilities}, nil
}

// DeleteSession ends s. Nil, empty and already deleted sessions are no-ops.
func (c *Client) DeleteSession(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return nil
	}
	if !s.deleted.CompareAndSwap(false, true) {
		return nil
	}
	target := s.Endpoint.BaseURL() + "/session/" + url.PathEscape(s.ID)
	raw, status, err := c.do(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest && status != http.StatusNotFound {
		return errorFromBody(status, raw)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, &Error{Kind: KindProtocol, Err: errors.Wrap(err, "encode request")}
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, &Error{Kind: KindTransport, Err: errors.Wrap(scrubURLError(err), "build request")}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &Error{Kind: KindTransport, Err: scrubURLError(err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, &Error{Kind: KindTransport, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read response")}
	}
	return raw, resp.StatusCode, nil
}

// scrubURLError drops the hub path and query from net/url errors; hubs
// commonly carry the vendor api key in the path.
func scrubURLError(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	return errors.Wrapf(ue.Err, "%s %s", ue.Op, redactURL(ue.URL))
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<endpoint>"
	}
	return u.Scheme + "://" + u.Host
}

func errorFromBody(status int, raw []byte) error {
	var parsed struct {
		Value struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Value.Error == "" {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &Error{Kind: KindProtocol, StatusCode: status, Message: msg}
	}
	return &Error{Kind: KindRejected, StatusCode: status, Code: parsed.Value.Error, Message: parsed.Value.Message}
}
