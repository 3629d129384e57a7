// Package headspin calls the vendor device API used to force-unlock devices.
package headspin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// Client implements devicekeeper.Unlocker over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient validates the base URL and credential.
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("headspin: base url is empty")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("headspin: api key is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}, nil
}

type unlockReply struct {
	Statuses []struct {
		Message string `json:"message"`
	} `json:"statuses"`
}

// RequestUnlock posts one unlock request and classifies the first status message.
func (c *Client) RequestUnlock(ctx context.Context, deviceID string) (devicekeeper.UnlockOutcome, error) {
	body, err := json.Marshal(map[string]string{"device_id": deviceID})
	if err != nil {
		return devicekeeper.UnlockOutcomeUnknown, errors.Wrap(err, "encode unlock payload")
	}
	endpoint := fmt.Sprintf("%s/v0/devices/unlock", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return devicekeeper.UnlockOutcomeUnknown, errors.Wrap(err, "build unlock request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return devicekeeper.UnlockOutcomeUnknown, errors.Wrap(err, "call unlock api")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return devicekeeper.UnlockOutcomeUnknown, errors.Errorf("unlock api status=%d body=%s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var reply unlockReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return devicekeeper.UnlockOutcomeUnknown, errors.Wrap(err, "decode unlock reply")
	}
	if len(reply.Statuses) == 0 {
		return devicekeeper.UnlockOutcomeUnknown, errors.New("unlock reply has no statuses")
	}
	msg := reply.Statuses[0].Message
	outcome := devicekeeper.ClassifyUnlockMessage(msg)
	log.Debug().Str("device", deviceID).Str("message", msg).Str("outcome", outcome.String()).Msg("unlock reply")
	if outcome == devicekeeper.UnlockOutcomeUnknown {
		return outcome, errors.Errorf("unexpected unlock status %q", msg)
	}
	return outcome, nil
}
