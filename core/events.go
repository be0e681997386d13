package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionEvent records one coordinator transition.
type SessionEvent struct {
	OccurredAt time.Time
	From       State
	To         State
	Subject    string // provider subject, when known
	UserID     string // application user id, when exchanged
	Trigger    *string
	Reason     *string
}

// SessionEventSink receives coordinator transitions. Implementations should be
// non-blocking and best-effort; errors are logged and otherwise ignored.
type SessionEventSink interface {
	LogSessionEvent(ctx context.Context, e SessionEvent) error
}

// LogEventSink writes events to a logrus logger.
type LogEventSink struct {
	Log logrus.FieldLogger
}

func (s LogEventSink) LogSessionEvent(_ context.Context, e SessionEvent) error {
	l := s.Log
	if l == nil {
		l = logrus.StandardLogger()
	}
	f := logrus.Fields{"from": e.From, "to": e.To}
	if e.Subject != "" {
		f["sub"] = e.Subject
	}
	if e.UserID != "" {
		f["user_id"] = e.UserID
	}
	if e.Trigger != nil {
		f["trigger"] = *e.Trigger
	}
	if e.Reason != nil {
		f["reason"] = *e.Reason
	}
	l.WithFields(f).Info("session transition")
	return nil
}
