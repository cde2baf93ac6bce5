// Package notify defines the email/chat side-channel contracts the original
// distributor's cs_email and snews_bot modules implemented. Real senders are
// explicitly out of scope for this server (spec.md §1); the interfaces are
// kept so an operator can plug a concrete sender in without touching the
// alert decider.
package notify

import "github.com/snews-network/coincidence-server/internal/alert"

// EmailNotifier sends an alert by email.
type EmailNotifier interface {
	SendEmail(a alert.Alert) error
}

// ChatNotifier posts an alert to a chat side-channel (e.g. Slack).
type ChatNotifier interface {
	SendChat(a alert.Alert) error
}

// NoopEmailNotifier discards every alert. No code in this server reads
// notify.send_email to choose a notifier.
type NoopEmailNotifier struct{}

// SendEmail implements EmailNotifier.
func (NoopEmailNotifier) SendEmail(alert.Alert) error { return nil }

// NoopChatNotifier discards every alert. No code in this server reads
// notify.send_chat to choose a notifier.
type NoopChatNotifier struct{}

// SendChat implements ChatNotifier.
func (NoopChatNotifier) SendChat(alert.Alert) error { return nil }
