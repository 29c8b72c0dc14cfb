package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/config"
	"github.com/irfndi/tickstream-go/internal/services"
)

func main() {
	send := flag.Bool("send", false, "deliver a test alert to the configured chat")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := validate(ctx, cfg.Telegram, *send, os.Stdout); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

// validate checks the alerting bot configuration against the Telegram API
// and optionally sends a test alert through the same path the service uses.
func validate(ctx context.Context, tg config.TelegramConfig, send bool, out io.Writer, opts ...bot.Option) error {
	fmt.Fprintln(out, "🔧 Validating Telegram alert configuration...")

	if tg.BotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not configured")
	}
	fmt.Fprintf(out, "✅ TELEGRAM_BOT_TOKEN is configured (length: %d)\n", len(tg.BotToken))

	if tg.ChatID == 0 {
		return errors.New("TELEGRAM_CHAT_ID is not configured")
	}
	fmt.Fprintf(out, "✅ TELEGRAM_CHAT_ID is configured: %d\n", tg.ChatID)

	b, err := bot.New(tg.BotToken, append([]bot.Option{bot.WithSkipGetMe()}, opts...)...)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	fmt.Fprintln(out, "🔍 Testing bot API connection...")
	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}
	fmt.Fprintf(out, "✅ Bot API connection successful: @%s (id %d)\n", me.Username, me.ID)

	if send {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		alerter := services.NewTelegramAlerterWithBot(b, tg.ChatID, logger)
		err := alerter.Notify(ctx, services.Alert{
			Level:   services.AlertCritical,
			Source:  "validate-telegram",
			Message: "Test alert from tickstream",
			At:      time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to send test alert: %w", err)
		}
		fmt.Fprintln(out, "✅ Test alert delivered")
	}

	fmt.Fprintln(out, "🎉 All Telegram alert checks passed!")
	return nil
}
