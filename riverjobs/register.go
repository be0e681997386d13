package riverjobs

import (
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RegisterPurgeExchangeAuditWorker registers the audit purge worker into a River workers registry.
func RegisterPurgeExchangeAuditWorker(ws *river.Workers, store AuditPurger, log logrus.FieldLogger) {
	river.AddWorker(ws, NewPurgeExchangeAuditWorker(store, log))
}

// AddPurgeExchangeAuditPeriodicJob enqueues the purge job on a five-field cron schedule,
// e.g. "30 3 * * *" for daily at 03:30.
func AddPurgeExchangeAuditPeriodicJob[T any](client *river.Client[T], cronSpec string, args PurgeExchangeAuditArgs, runOnStart bool) error {
	schedule, err := ParseSchedule(cronSpec)
	if err != nil {
		return err
	}
	opts := args.InsertOpts()
	_ = client.PeriodicJobs().Add(
		river.NewPeriodicJob(
			schedule,
			func() (river.JobArgs, *river.InsertOpts) { return args, &opts },
			&river.PeriodicJobOpts{RunOnStart: runOnStart},
		),
	)
	return nil
}

func ParseSchedule(cronSpec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule '%s': %w", cronSpec, err)
	}
	return schedule, nil
}
