// Package hub provides a client for the Hubitat Maker API.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Client talks to the Maker API app instance on a Hubitat hub.
// Command sends are rate limited to avoid flooding the hub.
type Client struct {
	address    string
	appID      string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Maker API client.
func NewClient(address, appID, token string, timeout time.Duration, rateLimitRPS float64) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 10.0
	}

	// Sub-1 rates would truncate to a zero burst, which makes Wait fail
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		address: address,
		appID:   appID,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
	}
}

// Connect verifies the hub is reachable and the token is valid.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.request(ctx, "devices")
	if err != nil {
		return fmt.Errorf("failed to connect to hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}

	log.Info().Str("address", c.address).Str("app_id", c.appID).Msg("Connected to hub")
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) apiURL(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("http://%s/apps/api/%s/%s?access_token=%s",
		c.address, c.appID, strings.Join(escaped, "/"), url.QueryEscape(c.token))
}

func (c *Client) request(ctx context.Context, segments ...string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(segments...), nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// Device fetches a fresh snapshot of a single device.
func (c *Client) Device(ctx context.Context, id string) (*Device, error) {
	resp, err := c.request(ctx, "devices", id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return ParseDevice(body)
}

// Devices returns id and label for all devices exposed by the Maker API app.
func (c *Client) Devices(ctx context.Context) (map[string]string, error) {
	resp, err := c.request(ctx, "devices")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var list []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}

	devices := make(map[string]string, len(list))
	for _, d := range list {
		devices[d.ID] = d.Label
	}
	return devices, nil
}

// command issues a device command. The Maker API encodes the command and its
// arguments as path segments, with multiple arguments joined by commas.
func (c *Client) command(ctx context.Context, deviceID, cmd string, args ...string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	segments := []string{"devices", deviceID, cmd}
	if len(args) > 0 {
		segments = append(segments, strings.Join(args, ","))
	}

	log.Debug().
		Str("device", deviceID).
		Str("command", cmd).
		Strs("args", args).
		Msg("Sending device command")

	resp, err := c.request(ctx, segments...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("command %s on device %s: unexpected status code %d", cmd, deviceID, resp.StatusCode)
	}

	return nil
}

// On turns the device on.
func (c *Client) On(ctx context.Context, deviceID string) error {
	return c.command(ctx, deviceID, "on")
}

// Off turns the device off.
func (c *Client) Off(ctx context.Context, deviceID string) error {
	return c.command(ctx, deviceID, "off")
}

// SetLevel sets the brightness level (0-100).
func (c *Client) SetLevel(ctx context.Context, deviceID string, level int) error {
	return c.command(ctx, deviceID, "setLevel", strconv.Itoa(level))
}

// SetColorTemperature sets color temperature in kelvin together with the level.
func (c *Client) SetColorTemperature(ctx context.Context, deviceID string, temperature, level int) error {
	return c.command(ctx, deviceID, "setColorTemperature", strconv.Itoa(temperature), strconv.Itoa(level))
}

// SetColor sets hue, saturation and level in a single command. The Maker API
// expects the color map as a JSON object argument.
func (c *Client) SetColor(ctx context.Context, deviceID string, hue, saturation, level int) error {
	colorMap, err := json.Marshal(map[string]int{
		"hue":        hue,
		"saturation": saturation,
		"level":      level,
	})
	if err != nil {
		return err
	}
	return c.command(ctx, deviceID, "setColor", string(colorMap))
}
