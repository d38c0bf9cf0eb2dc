// Package notify pushes the few events an operator must not miss to a
// Discord webhook: outbid alerts, auction ends and session expiry.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/event"
)

// Notifier is a no-op when no webhook is configured.
type Notifier struct {
	sess   *discordgo.Session
	id     string
	token  string
	logger *slog.Logger
}

// New builds the notifier. An empty webhook id disables it.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Notifier, error) {
	n := &Notifier{id: cfg.WebhookID, token: cfg.WebhookToken, logger: logger}
	if cfg.WebhookID == "" || cfg.WebhookToken == "" {
		return n, nil
	}

	sess, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	n.sess = sess
	return n, nil
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.sess != nil }

// Notify forwards ev when it is worth a push. Delivery failures are
// logged and dropped; notifications never block the engine.
func (n *Notifier) Notify(ev event.Event) {
	if n.sess == nil || !ShouldNotify(ev) {
		return
	}

	_, err := n.sess.WebhookExecute(n.id, n.token, false, &discordgo.WebhookParams{
		Content: Render(ev),
	})
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}

// ShouldNotify selects the pushworthy events.
func ShouldNotify(ev event.Event) bool {
	switch ev.Kind {
	case event.KindAlert, event.KindEnd, event.KindException:
		return true
	default:
		return false
	}
}

// Render formats the push message.
func Render(ev event.Event) string {
	prefix := ""
	switch ev.Kind {
	case event.KindAlert:
		prefix = ":rotating_light:"
	case event.KindEnd:
		prefix = ":checkered_flag:"
	case event.KindException:
		prefix = ":warning:"
	}

	scope := ""
	if ev.AuctionExtID != "" {
		scope = fmt.Sprintf(" [subasta %s", ev.AuctionExtID)
		if ev.ItemLocalID != "" {
			scope += fmt.Sprintf(", item %s", ev.ItemLocalID)
		}
		scope += "]"
	}
	return fmt.Sprintf("%s%s %s", prefix, scope, ev.Message)
}
