package notify

import (
	"github.com/lupppig/pgbackup/internal/config"
	"github.com/lupppig/pgbackup/internal/logger"
)

// BuildNotifier assembles the configured notifiers. With none configured
// it returns Nop.
func BuildNotifier(cfg *config.Config, log *logger.Logger) Notifier {
	var notifiers []Notifier

	if cfg.Notifications.Slack.WebhookURL != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.Notifications.Slack.WebhookURL, cfg.Notifications.Slack.Template))
	}
	for _, w := range cfg.Notifications.Webhooks {
		if w.URL != "" {
			notifiers = append(notifiers, NewWebhookNotifier(w.URL, w.Method, w.Template, w.Headers))
		}
	}

	switch len(notifiers) {
	case 0:
		return Nop{}
	case 1:
		return notifiers[0]
	}
	return &MultiNotifier{Notifiers: notifiers, Log: log}
}
