package callcontrol

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/novadial/voice-bridge/internal/resilience"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// Client drives the Twilio REST API for call placement and teardown. The
// media path never goes through here; this is control plane only.
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retryCfg   *resilience.RetryConfig
	logger     zerolog.Logger
}

// NewClient creates a Twilio call-control client.
func NewClient(accountSID, authToken, fromNumber string, breaker *resilience.CircuitBreaker, retryCfg *resilience.RetryConfig, logger zerolog.Logger) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    twilioAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		retryCfg:   retryCfg,
		logger:     logger,
	}
}

// PlaceCall starts an outbound call. Twilio fetches TwiML from twimlURL when
// the callee answers and posts lifecycle updates to statusCallbackURL.
func (c *Client) PlaceCall(ctx context.Context, to, twimlURL, statusCallbackURL string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Url", twimlURL)
	if statusCallbackURL != "" {
		form.Set("StatusCallback", statusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}

	var callSid string
	err := c.breaker.Call(func() error {
		return resilience.Retry(func() error {
			body, err := c.post(ctx, fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID), form)
			if err != nil {
				return err
			}
			var resp struct {
				Sid string `json:"sid"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("unexpected call response: %w", err)
			}
			callSid = resp.Sid
			return nil
		}, c.retryCfg, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return "", fmt.Errorf("place call to %s: %w", to, err)
	}

	c.logger.Info().Str("call_sid", callSid).Str("to", to).Msg("outbound call placed")
	return callSid, nil
}

// Hangup forces the call to end. Used as the failsafe when the media stream
// does not close on its own after the duration cap fires.
func (c *Client) Hangup(ctx context.Context, callSid string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	err := c.breaker.Call(func() error {
		return resilience.Retry(func() error {
			_, err := c.post(ctx, fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid), form)
			return err
		}, c.retryCfg, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return fmt.Errorf("hangup %s: %w", callSid, err)
	}

	c.logger.Info().Str("call_sid", callSid).Msg("call hung up via REST")
	return nil
}

// SayAndHangup replaces the live call's instructions with a spoken message
// followed by a hangup. Used when the model session cannot start: the caller
// hears an apology instead of dead air.
func (c *Client) SayAndHangup(ctx context.Context, callSid, text string) error {
	var say strings.Builder
	say.WriteString("<Response><Say>")
	if err := xml.EscapeText(&say, []byte(text)); err != nil {
		return err
	}
	say.WriteString("</Say><Hangup/></Response>")

	form := url.Values{}
	form.Set("Twiml", say.String())

	err := c.breaker.Call(func() error {
		return resilience.Retry(func() error {
			_, err := c.post(ctx, fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid), form)
			return err
		}, c.retryCfg, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return fmt.Errorf("say-and-hangup %s: %w", callSid, err)
	}
	return nil
}

// HealthCheck verifies the account credentials are accepted.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/Accounts/%s.json", c.baseURL, c.accountSID), nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("twilio account check returned %d", resp.StatusCode)
	}
	return true, nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
