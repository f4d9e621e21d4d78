package config

import (
	"os"
	"strings"
)

// EnvTelegramToken overrides telegram.token.
const EnvTelegramToken = "WATCHBOT_TELEGRAM_TOKEN"

// TelegramToken returns the bot token, preferring the environment.
func (c *Config) TelegramToken() string {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Telegram.Token)
}
