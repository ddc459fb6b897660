// Package logging provides structured logging helpers for draftsender.
//
// Everything logs through log/slog. The helpers here keep attribute names
// consistent and make it easy to keep recipient addresses and tokens out of
// the logs.
//
// # Usage Patterns
//
//	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
//	logger = logging.WithComponent(logger, "delivery")
//	logger.Info("draft sent",
//	    logging.RecordID(id),
//	    logging.UserHash(draft.To),
//	    logging.Domain(draft.To))
//
// # Security Considerations
//
//   - Recipient addresses are hashed so entries can be correlated without PII
//   - Access tokens and signed assertions are never logged, only their length
package logging
