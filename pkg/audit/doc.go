// Package audit verifies the cost ledger on demand and on a schedule.
//
// An Auditor walks every ledger stream with VerifyAll and, when configured
// with a replay verifier, replays every retained execution against its
// original pricing. Broken chains and divergences are counted, logged and
// reported to an Observer; nothing is repaired.
//
// "tally verify --all" runs one audit. "tally serve" runs them on the cron
// schedule in the audit configuration and exposes the last result through
// the readiness probe:
//
//	auditor := audit.NewAuditor(l,
//	    audit.WithReplay(engine),
//	    audit.WithTimeout(cfg.Audit.Timeout),
//	    audit.WithObserver(collector),
//	)
//	scheduler := audit.NewScheduler(auditor, cfg.Audit.Schedule)
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
package audit
