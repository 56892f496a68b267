// Package audit records security-relevant portal events: logins and denied
// logins, credential rotations, permission changes and every workflow decision.
//
// Audit events are internal. In particular a denied login carries the reason it
// was denied (credential mismatch or restricted channel) even though callers of
// the authenticator only ever see a uniform denial.
//
// # Loggers
//
// FileLogger appends JSON lines to audit.log with size based rotation.
// LogrusLogger forwards events to a structured application logger.
// MemoryLogger keeps events in memory for tests. Multi fans out to several.
//
//	logger, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: "/var/log/portal/audit"})
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	_ = logger.Log(ctx, &audit.AuditEvent{
//		EventType: audit.EventTypeAuthLoginFailed,
//		Status:    audit.EventStatusDenied,
//		Username:  "librarian1",
//		Reason:    audit.ReasonRestrictedChannel,
//	})
package audit
