package twilio

import (
	"strings"

	"github.com/harunnryd/voxpoll/pkg/configutil"
)

type Config struct {
	ServerAddr         string `mapstructure:"server_addr"`
	PublicURL          string `mapstructure:"public_url"`
	AuthToken          string `mapstructure:"auth_token"`
	AccountSID         string `mapstructure:"account_sid"`
	FromNumber         string `mapstructure:"from_number"`
	VoicePath          string `mapstructure:"voice_path"`
	GatherPath         string `mapstructure:"gather_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
	SpeechLanguage     string `mapstructure:"speech_language"`
	SpeechTimeout      string `mapstructure:"speech_timeout"`
	HoldSeconds        int    `mapstructure:"hold_seconds"`
	Voice              string `mapstructure:"voice"`
	ValidateSignature  *bool  `mapstructure:"validate_signature"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.GatherPath == "" {
		c.GatherPath = "/twilio/gather"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if c.SpeechLanguage == "" {
		c.SpeechLanguage = "en-US"
	}
	if c.SpeechTimeout == "" {
		c.SpeechTimeout = "auto"
	}
	if c.HoldSeconds <= 0 {
		c.HoldSeconds = 30
	}
	return c
}

// signatureRequired defaults to on whenever an auth token is configured.
func (c Config) signatureRequired() bool {
	return configutil.BoolValue(c.ValidateSignature, c.AuthToken != "")
}

func (c Config) baseURL() string {
	if c.PublicURL != "" {
		return "https://" + normalizePublicURL(c.PublicURL)
	}
	addr := c.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func (c Config) voiceURL() string  { return c.baseURL() + c.VoicePath }
func (c Config) gatherURL() string { return c.baseURL() + c.GatherPath }
func (c Config) statusURL() string { return c.baseURL() + c.StatusCallbackPath }

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
