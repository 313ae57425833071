package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/pushline/internal/campaign"
)

// Sender delivers resolved campaign content to one recipient
type Sender interface {
	SendScripted(ctx context.Context, to string, script []campaign.Step) error
	SendLegacy(ctx context.Context, to, text string, media []campaign.Attachment) error
}

// Path identifies which delivery call was made
type Path string

const (
	PathScript Path = "SCRIPT"
	PathLegacy Path = "LEGACY"
	PathReply  Path = "REPLY"
)

// Error is a failed delivery. Exception is set when no reply was received
// (transport failure); otherwise the bot answered with an error or a
// non-2xx status.
type Error struct {
	Path      Path
	Exception bool
	Reason    string
}

func (e *Error) Error() string {
	return e.Detail()
}

// Detail returns the history ledger tag, e.g. SCRIPT_FAIL:busy
func (e *Error) Detail() string {
	kind := "FAIL"
	if e.Exception {
		kind = "EXCEPTION"
	}
	return string(e.Path) + "_" + kind + ":" + e.Reason
}

// Reply is the delivery transport response body
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type scriptedRequest struct {
	To     string          `json:"to"`
	Script []campaign.Step `json:"script"`
}

type legacyRequest struct {
	To    string                `json:"to"`
	Text  string                `json:"text"`
	Media []campaign.Attachment `json:"media,omitempty"`
}

type replyRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Options configures the client
type Options struct {
	// Timeout bounds a single request. Zero means no timeout.
	Timeout time.Duration
	// RequestsPerSecond paces outgoing requests. Zero means unlimited.
	RequestsPerSecond float64
}

// Client talks to the delivery bot over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new delivery client
func NewClient(baseURL string, opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// SendScripted sends a resolved script
func (c *Client) SendScripted(ctx context.Context, to string, script []campaign.Step) error {
	return c.request(ctx, "/sendDirect", PathScript, &scriptedRequest{To: to, Script: script})
}

// SendLegacy sends a rendered template with optional attachments
func (c *Client) SendLegacy(ctx context.Context, to, text string, media []campaign.Attachment) error {
	return c.request(ctx, "/sendDirect", PathLegacy, &legacyRequest{To: to, Text: text, Media: media})
}

// SendReply relays an operator reply to a single chat
func (c *Client) SendReply(ctx context.Context, to, text string) error {
	return c.request(ctx, "/sendReply", PathReply, &replyRequest{To: to, Text: text})
}

// request posts body and interprets the bot reply
func (c *Client) request(ctx context.Context, path string, p Path, body any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Path: p, Exception: true, Reason: err.Error()}
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &Error{Path: p, Exception: true, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Path: p, Exception: true, Reason: err.Error()}
	}
	defer resp.Body.Close()

	// A malformed body is treated as a negative reply
	var reply Reply
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		_ = json.Unmarshal(raw, &reply)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !reply.OK {
		reason := reply.Error
		if reason == "" {
			reason = strconv.Itoa(resp.StatusCode)
		}
		return &Error{Path: p, Reason: reason}
	}

	return nil
}
