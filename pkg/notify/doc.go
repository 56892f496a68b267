// Package notify delivers out-of-band messages: one-time codes for the
// super-admin password reset and the pending-review digest.
//
// Senders:
//
//	ResendSender - Resend HTTP API, retried with exponential backoff
//	SMTPSender   - plain SMTP relay
//	LogSender    - writes the message to the log (development)
//
// Every sender implements Sender. Delivery failures are returned to the
// caller; retrying is the sender's job.
package notify
