package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"watchbot/internal/source"
	"watchbot/internal/transport"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := ParseDurationField(fl.FieldName(), fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("sourceref", func(fl validator.FieldLevel) bool {
			_, err := source.ParseRef(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("sinkaddr", func(fl validator.FieldLevel) bool {
			return ValidSinkAddress(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// ValidSinkAddress accepts "tg:<chat>[/<thread>]" and "webhook:<http(s) url>".
func ValidSinkAddress(addr string) bool {
	_, err := transport.ParseAddress(addr)
	return err == nil
}

// Validate checks struct tags and cross-field rules. It is the default hook
// for ConfigManager reloads.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	jmin, err := ParseDurationField("watch.jitter_min", cfg.Watch.JitterMin)
	if err != nil {
		return err
	}
	jmax, err := ParseDurationField("watch.jitter_max", cfg.Watch.JitterMax)
	if err != nil {
		return err
	}
	if jmin > 0 && jmax > 0 && jmax < jmin {
		return errors.New("watch.jitter_max must be >= watch.jitter_min")
	}

	seen := make(map[string]struct{}, len(cfg.Subscriptions))
	for i, s := range cfg.Subscriptions {
		ref, _ := source.ParseRef(s.Source)
		key := strings.TrimSpace(s.Subscriber) + "|" + ref.Key() + "|" + strings.TrimSpace(s.Sink)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("subscriptions[%d]: duplicate binding %s -> %s", i, ref.Key(), s.Sink)
		}
		seen[key] = struct{}{}
	}
	return nil
}
