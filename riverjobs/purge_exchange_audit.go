package riverjobs

import (
	"context"
	"errors"
	"time"

	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"
)

type PurgeExchangeAuditArgs struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

func (PurgeExchangeAuditArgs) Kind() string { return "kcbridge_purge_exchange_audit" }

func (args PurgeExchangeAuditArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue: river.QueueDefault,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
		},
	}
}

// AuditPurger deletes exchange audit rows older than a cutoff. backend.Store satisfies it.
type AuditPurger interface {
	PurgeExchangeAudit(ctx context.Context, before time.Time) (int64, error)
}

// PurgeExchangeAuditWorker drops exchange audit rows older than RetentionDays (default 30).
type PurgeExchangeAuditWorker struct {
	river.WorkerDefaults[PurgeExchangeAuditArgs]
	store AuditPurger
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewPurgeExchangeAuditWorker(store AuditPurger, log logrus.FieldLogger) *PurgeExchangeAuditWorker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PurgeExchangeAuditWorker{store: store, log: log.WithField("component", "kcbridge.jobs"), now: time.Now}
}

func (w *PurgeExchangeAuditWorker) Timeout(*river.Job[PurgeExchangeAuditArgs]) time.Duration {
	return 5 * time.Minute
}

func (w *PurgeExchangeAuditWorker) Work(ctx context.Context, job *river.Job[PurgeExchangeAuditArgs]) error {
	if w == nil || w.store == nil {
		return errors.New("kcbridge purge: store not configured")
	}
	retention := job.Args.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	cutoff := w.now().AddDate(0, 0, -retention)
	n, err := w.store.PurgeExchangeAudit(ctx, cutoff)
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}).Info("purged exchange audit")
	return nil
}
