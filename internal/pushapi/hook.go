package pushapi

import (
	"context"
	"strings"

	"github.com/k3a/html2text"

	"pwashell/internal/worker"
)

const DefaultBody = "You have a new notification."

// NotificationLog is a system notification addressed to one user.
type NotificationLog struct {
	ForUser      string `json:"for_user"`
	Type         string `json:"type"`
	Subject      string `json:"subject"`
	EmailContent string `json:"email_content"`
	DocumentType string `json:"document_type"`
	DocumentName string `json:"document_name"`
}

// PayloadFor builds the push payload of a notification log. Logs without a
// user or of type Default produce nothing.
func PayloadFor(l NotificationLog) (worker.Payload, bool) {
	if l.ForUser == "" || strings.EqualFold(l.Type, "default") {
		return worker.Payload{}, false
	}
	title := l.Subject
	if title == "" {
		title = worker.DefaultTitle
	}
	body := l.EmailContent
	if body == "" {
		body = l.Subject
	}
	if body != "" {
		body = strings.TrimSpace(html2text.HTML2Text(body))
	} else {
		body = DefaultBody
	}
	return worker.Payload{
		Title:            title,
		Body:             body,
		ReferenceDoctype: l.DocumentType,
		ReferenceName:    l.DocumentName,
	}, true
}

// HandleNotificationLog pushes a notification log to its user's devices.
func (s *Sender) HandleNotificationLog(ctx context.Context, l NotificationLog) (Report, error) {
	p, ok := PayloadFor(l)
	if !ok {
		return Report{}, nil
	}
	return s.SendToUser(ctx, l.ForUser, p)
}
