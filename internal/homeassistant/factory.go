package homeassistant

import (
	"fmt"
	"net/url"

	"github.com/aarmijo/hass-chatbot/internal/config"
)

// NewServiceCaller returns the transport selected by cfg.Transport.
// The REST API is the default.
func NewServiceCaller(cfg config.HomeAssistantConfig) (ServiceCaller, error) {
	if err := validateBaseURL(cfg.BaseURL, cfg.Transport == config.TransportWebSocket); err != nil {
		return nil, err
	}

	clientCfg := ClientConfig{
		Timeout:            cfg.Timeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	switch cfg.Transport {
	case "", config.TransportREST:
		return NewRESTClientWithConfig(cfg.BaseURL, cfg.Token, clientCfg), nil
	case config.TransportWebSocket:
		return NewWSClientWithConfig(cfg.BaseURL, cfg.Token, clientCfg), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

// validateBaseURL checks that the base URL is an absolute http(s) URL.
// ws(s) is also accepted for the WebSocket transport.
func validateBaseURL(raw string, allowWS bool) error {
	u, err := url.Parse(normalizeBaseURL(raw))
	if err != nil {
		return fmt.Errorf("homeassistant.base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws", "wss":
		if !allowWS {
			return fmt.Errorf("homeassistant.base_url scheme %q requires the websocket transport", u.Scheme)
		}
	default:
		return fmt.Errorf("homeassistant.base_url must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("homeassistant.base_url %q has no host", raw)
	}
	return nil
}
