package pushapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwashell/internal/worker"
)

func TestPayloadFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		log  NotificationLog
		want worker.Payload
		ok   bool
	}{
		{
			name: "no user",
			log:  NotificationLog{Subject: "x"},
		},
		{
			name: "default type",
			log:  NotificationLog{ForUser: "jane@example.com", Type: "Default", Subject: "x"},
		},
		{
			name: "html content",
			log: NotificationLog{
				ForUser: "jane@example.com", Type: "Alert", Subject: "Order Ready",
				EmailContent: "<p><b>SO-0007</b> is ready</p>",
				DocumentType: "Sales Order", DocumentName: "SO-0007",
			},
			want: worker.Payload{Title: "Order Ready", Body: "SO-0007 is ready", ReferenceDoctype: "Sales Order", ReferenceName: "SO-0007"},
			ok:   true,
		},
		{
			name: "subject as body",
			log:  NotificationLog{ForUser: "jane@example.com", Type: "Mention", Subject: "You were mentioned"},
			want: worker.Payload{Title: "You were mentioned", Body: "You were mentioned"},
			ok:   true,
		},
		{
			name: "nothing to say",
			log:  NotificationLog{ForUser: "jane@example.com", Type: "Assignment"},
			want: worker.Payload{Title: worker.DefaultTitle, Body: DefaultBody},
			ok:   true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := PayloadFor(tt.log)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleNotificationLogSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ps := newPushService(t)
	store, _ := newTestStore(t)
	_, err := store.Upsert(ctx, "jane@example.com", browserSub(t, ps.srv.URL+"/ok"), "", "")
	require.NoError(t, err)
	sender := NewSender(vapidConfig(t), store, nil, nil)

	rep, err := sender.HandleNotificationLog(ctx, NotificationLog{ForUser: "jane@example.com", Type: "Alert", Subject: "Stock low"})
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1}, rep)

	rep, err = sender.HandleNotificationLog(ctx, NotificationLog{ForUser: "jane@example.com", Type: "Default"})
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Equal(t, 1, ps.hits["/ok"])
}
