package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
)

// Notifier pushes finalized diagnoses to an alert channel. Delivery is best
// effort; a failed notification never fails the diagnosis.
type Notifier interface {
	NotifyDiagnosis(ctx context.Context, record models.DiagnosisRecord, advice []string) error
}

// NoopNotifier silently drops notifications.
type NoopNotifier struct{}

func (NoopNotifier) NotifyDiagnosis(context.Context, models.DiagnosisRecord, []string) error {
	return nil
}

// TelegramNotifier posts diagnosis alerts into a fixed chat.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	tax    *taxonomy.Taxonomy
	logger *slog.Logger
}

// NewTelegramNotifier builds a notifier around the bot token. It talks to the
// Telegram API once at construction to validate the token.
func NewTelegramNotifier(token string, chatID int64, tax *taxonomy.Taxonomy, logger *slog.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{api: api, chatID: chatID, tax: tax, logger: logger}, nil
}

// NotifyDiagnosis formats and sends one alert message.
func (n *TelegramNotifier) NotifyDiagnosis(_ context.Context, record models.DiagnosisRecord, advice []string) error {
	msg := tgbotapi.NewMessage(n.chatID, n.formatAlert(record, advice))
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (n *TelegramNotifier) formatAlert(record models.DiagnosisRecord, advice []string) string {
	var b strings.Builder

	result := record.Result
	if result.Healthy() || result.ClassID == nil {
		b.WriteString("🌱 Plot check: no disease or pest detected")
	} else {
		icon := "🦠"
		if result.TaxonomyKind != nil && *result.TaxonomyKind == models.KindPest {
			icon = "🐛"
		}
		nameEN := n.tax.EnglishName(*result.ClassID)
		nameTH := n.tax.ThaiName(*result.ClassID)
		fmt.Fprintf(&b, "%s %s (%s)\n", icon, nameEN, nameTH)
		fmt.Fprintf(&b, "Confidence: %.0f%% via %s", result.Confidence*100, result.Source)
	}
	if record.PlotID != "" {
		fmt.Fprintf(&b, "\nPlot: %s", record.PlotID)
	}
	if record.Vegetable != "" {
		fmt.Fprintf(&b, "\nCrop: %s", record.Vegetable)
	}
	if len(advice) > 0 {
		b.WriteString("\n\nRecommended actions:")
		for _, item := range advice {
			fmt.Fprintf(&b, "\n• %s", item)
		}
	}
	return b.String()
}
