package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
)

// AlertLevel orders operator alerts by urgency.
type AlertLevel int

const (
	AlertWarning AlertLevel = iota
	AlertCritical
	AlertEmergency
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	case AlertEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Alert is one monitor finding.
type Alert struct {
	Level   AlertLevel
	Source  string
	Message string
	Fields  map[string]any
	At      time.Time
}

// Alerter delivers alerts to an operator channel.
type Alerter interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogAlerter writes alerts to the process log.
type LogAlerter struct {
	logger *logrus.Entry
}

func NewLogAlerter(logger *logrus.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.WithField("component", "alerts")}
}

func (a *LogAlerter) Notify(_ context.Context, alert Alert) error {
	entry := a.logger.WithFields(logrus.Fields(alert.Fields)).WithFields(logrus.Fields{
		"level_name": alert.Level.String(),
		"source":     alert.Source,
	})
	switch alert.Level {
	case AlertWarning:
		entry.Warn(alert.Message)
	default:
		entry.Error(alert.Message)
	}
	return nil
}

// messageSender is the part of the Telegram client the alerter uses.
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramAlerter forwards alerts at or above a minimum level to one chat.
// Delivery is guarded by a circuit breaker so a Telegram outage does not
// slow the monitors down.
type TelegramAlerter struct {
	sender   messageSender
	chatID   int64
	minLevel AlertLevel
	breaker  *CircuitBreaker
	logger   *logrus.Entry
}

// NewTelegramAlerter creates an alerter for chatID. Only critical and
// emergency alerts are sent.
func NewTelegramAlerter(token string, chatID int64, logger *logrus.Logger) (*TelegramAlerter, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegramAlerter(b, chatID, logger), nil
}

// NewTelegramAlerterWithBot wraps an existing client.
func NewTelegramAlerterWithBot(b *bot.Bot, chatID int64, logger *logrus.Logger) *TelegramAlerter {
	return newTelegramAlerter(b, chatID, logger)
}

func newTelegramAlerter(sender messageSender, chatID int64, logger *logrus.Logger) *TelegramAlerter {
	return &TelegramAlerter{
		sender:   sender,
		chatID:   chatID,
		minLevel: AlertCritical,
		breaker: NewCircuitBreaker("telegram", CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
			MaxRequests:      1,
		}, logger),
		logger: logger.WithField("component", "telegram_alerts"),
	}
}

func (a *TelegramAlerter) Notify(ctx context.Context, alert Alert) error {
	if alert.Level < a.minLevel {
		return nil
	}

	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := a.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    a.chatID,
			Text:      formatAlertMessage(alert),
			ParseMode: tgmodels.ParseModeMarkdown,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}
	return nil
}

// formatAlertMessage renders alert as MarkdownV2.
func formatAlertMessage(alert Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* %s\n", bot.EscapeMarkdown(strings.ToUpper(alert.Level.String())), bot.EscapeMarkdown(alert.Source))
	sb.WriteString(bot.EscapeMarkdown(alert.Message))

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n`%s`: %s", k, bot.EscapeMarkdown(fmt.Sprint(alert.Fields[k])))
	}
	if !alert.At.IsZero() {
		fmt.Fprintf(&sb, "\n_%s_", bot.EscapeMarkdown(alert.At.Format(time.RFC3339)))
	}
	return sb.String()
}

// MultiAlerter fans an alert out to every alerter.
type MultiAlerter []Alerter

func (m MultiAlerter) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, a := range m {
		if err := a.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
