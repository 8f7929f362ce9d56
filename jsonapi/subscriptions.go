package jsonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/convoflow/convoflow/eval"
)

// subscriptionRequest is the payload posted to the helper service when a
// conversation links its user to a subscription group.
type subscriptionRequest struct {
	Subscriptions eval.SubscriptionGroup `json:"subscriptions"`
	APIURL        string                 `json:"apiUrl"`
	BotToken      string                 `json:"botToken"`
	User          string                 `json:"user"`
	Channel       string                 `json:"channel"`
}

// LinkSubscription registers the user with a subscription group through
// the helper service named by the link. The loopback URL tells the
// service where to re-enter the bot when a subscription fires.
func (c *Client) LinkSubscription(ctx context.Context, link *eval.SubscriptionLink, group eval.SubscriptionGroup, botToken, user, channel string) error {
	if link == nil || link.HelperAPIURL == "" {
		return fmt.Errorf("jsonapi: subscription link has no helper api url")
	}

	payload, err := json.Marshal(subscriptionRequest{
		Subscriptions: group,
		APIURL:        link.LoopbackURL,
		BotToken:      botToken,
		User:          user,
		Channel:       channel,
	})
	if err != nil {
		return fmt.Errorf("jsonapi: encode subscription: %w", err)
	}

	endpoint := link.HelperAPIURL + "/api/subscriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("jsonapi: build subscription request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jsonapi: call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jsonapi: read subscription response: %w", err)
	}

	c.logger.Debug("subscription linked",
		"url", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteError{
			Status:  resp.StatusCode,
			Message: gjson.GetBytes(raw, "error").String(),
		}
	}
	if errField := gjson.GetBytes(raw, "error"); errField.Exists() {
		return &RemoteError{Status: resp.StatusCode, Message: errField.String()}
	}
	return nil
}
