// Package telegram is a send-only Telegram sink built on telebot. The bot
// never polls for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"watchbot/internal/transport"
)

const textLimit = 4000

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org (self-hosted Bot API, tests).
	APIURL         string
	DisablePreview bool
	Timeout        time.Duration
}

type Sink struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	settings := tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: true,
	}
	if cfg.Timeout > 0 {
		settings.Client = &http.Client{Timeout: cfg.Timeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	return &Sink{cfg: cfg, bot: b}, nil
}

func (s *Sink) Scheme() string { return transport.SchemeTelegram }

// Deliver sends msg, split into chunks under Telegram's message limit.
func (s *Sink) Deliver(ctx context.Context, to transport.Address, msg transport.Message) error {
	opt := &tele.SendOptions{
		DisableWebPagePreview: msg.DisablePreview || s.cfg.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if msg.HTML {
		opt.ParseMode = tele.ModeHTML
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range transport.SplitText(msg.Text, textLimit, msg.HTML) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}
