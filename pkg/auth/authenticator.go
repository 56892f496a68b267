package auth

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/audit"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/observability"
)

// CredentialRotator completes approved password change requests at login
type CredentialRotator interface {
	// RotateCredential checks for an approved change request of username whose
	// new password matches password, makes it the effective credential and
	// completes the request. It reports whether a rotation happened.
	RotateCredential(ctx context.Context, username, password string) (bool, error)
}

// AuthenticatorConfig wires the authenticator
type AuthenticatorConfig struct {
	Roster     *Roster
	Directory  Directory
	Restricted *RestrictedColleges
	Hasher     *Hasher
	Rotator    CredentialRotator
	Sessions   *Sessions
	Audit      audit.Logger
	Metrics    *observability.Metrics
	Logger     logrus.FieldLogger
}

// Authenticator verifies credentials against the roster and the librarian
// directory and applies the restricted-channel policy
type Authenticator struct {
	roster     *Roster
	directory  Directory
	restricted *RestrictedColleges
	hasher     *Hasher
	rotator    CredentialRotator
	sessions   *Sessions
	audit      audit.Logger
	metrics    *observability.Metrics
	log        logrus.FieldLogger
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	a := &Authenticator{
		roster:     cfg.Roster,
		directory:  cfg.Directory,
		restricted: cfg.Restricted,
		hasher:     cfg.Hasher,
		rotator:    cfg.Rotator,
		sessions:   cfg.Sessions,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
	if a.log == nil {
		a.log = logrus.New()
	}
	if a.audit == nil {
		a.audit = audit.NoOp()
	}
	if a.hasher == nil {
		a.hasher = NewHasher(0)
	}
	return a
}

// Authenticate returns the principal for username/password on channel.
// A wrong password and a restricted-channel denial both return
// errs.ErrAuthDenied; the audit trail records which one applied.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string, channel Channel) (*Principal, error) {
	if !channel.Valid() {
		return nil, errs.Validation("unknown login channel %q", channel)
	}
	log := observability.FromContext(ctx, a.log).WithFields(logrus.Fields{
		"username": username,
		"channel":  channel,
	})

	if username == "" || password == "" {
		a.deny(ctx, username, channel, audit.ReasonCredentialMismatch)
		return nil, errs.ErrAuthDenied
	}

	// pending credential rotation, never fatal
	if a.rotator != nil {
		rotated, err := a.rotator.RotateCredential(ctx, username, password)
		switch {
		case err != nil:
			log.WithError(err).Warn("Credential rotation check failed")
			a.metrics.RecordRotation(observability.ResultError)
			audit.Record(ctx, a.audit, log, &audit.AuditEvent{
				EventType:    audit.EventTypeAuthRotationFailed,
				Status:       audit.EventStatusFailure,
				Username:     username,
				ErrorMessage: err.Error(),
			})
		case rotated:
			log.Info("Completed pending credential rotation")
			a.metrics.RecordRotation(observability.ResultSuccess)
			audit.Record(ctx, a.audit, log, &audit.AuditEvent{
				EventType:    audit.EventTypeAuthCredentialRotated,
				Status:       audit.EventStatusSuccess,
				Username:     username,
				ResourceType: audit.ResourceTypePrincipal,
			})
			a.endSessions(ctx, log, username)
		}
	}

	// local roster
	if p, ok := a.roster.Lookup(username); ok {
		if hash, ok := a.roster.Credential(username); ok && a.hasher.Verify(hash, password) {
			a.succeed(ctx, p, channel)
			return p, nil
		}
	}

	// librarian directory
	acct, err := a.directory.FindLibrarian(ctx, username)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			a.deny(ctx, username, channel, audit.ReasonCredentialMismatch)
			return nil, errs.ErrAuthDenied
		}
		log.WithError(err).Error("Librarian directory lookup failed")
		a.metrics.RecordLogin(string(channel), observability.ResultError)
		audit.Record(ctx, a.audit, log, &audit.AuditEvent{
			EventType:    audit.EventTypeAuthLoginFailed,
			Status:       audit.EventStatusFailure,
			Username:     username,
			Channel:      string(channel),
			Reason:       audit.ReasonStoreUnavailable,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	hash := acct.Password
	if override, ok := a.roster.Credential(username); ok {
		hash = override
	}
	if !a.hasher.Verify(hash, password) {
		a.deny(ctx, username, channel, audit.ReasonCredentialMismatch)
		return nil, errs.ErrAuthDenied
	}

	if a.restricted.IsRestricted(acct.CollegeName) && channel != ChannelLibrarianCorner {
		a.deny(ctx, username, channel, audit.ReasonRestrictedChannel)
		return nil, errs.ErrAuthDenied
	}

	p := acct.Principal()
	a.succeed(ctx, p, channel)
	return p, nil
}

// Login authenticates and opens a session, returning its bearer token
func (a *Authenticator) Login(ctx context.Context, username, password string, channel Channel) (string, *Principal, error) {
	p, err := a.Authenticate(ctx, username, password, channel)
	if err != nil {
		return "", nil, err
	}

	token, _, err := a.sessions.Start(ctx, p, channel)
	if err != nil {
		return "", nil, err
	}
	a.metrics.SetActiveSessions(a.sessions.Count())
	return token, p, nil
}

// Logout ends the session behind token
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	sess, err := a.sessions.Resolve(token)
	if err != nil {
		return nil
	}
	if err := a.sessions.End(ctx, token); err != nil {
		return err
	}
	a.metrics.SetActiveSessions(a.sessions.Count())
	audit.Record(ctx, a.audit, a.log, &audit.AuditEvent{
		EventType:    audit.EventTypeAuthLogout,
		Status:       audit.EventStatusSuccess,
		Username:     sess.Principal.Username,
		ResourceType: audit.ResourceTypeSession,
	})
	return nil
}

// endSessions signs username out everywhere after a password change
func (a *Authenticator) endSessions(ctx context.Context, log logrus.FieldLogger, username string) {
	if a.sessions == nil {
		return
	}
	n, err := a.sessions.EndUser(ctx, username)
	if err != nil {
		log.WithError(err).Warn("Failed to end sessions after credential rotation")
		return
	}
	if n > 0 {
		log.WithField("sessions", n).Info("Ended sessions opened with the previous password")
		a.metrics.SetActiveSessions(a.sessions.Count())
	}
}

func (a *Authenticator) succeed(ctx context.Context, p *Principal, channel Channel) {
	a.metrics.RecordLogin(string(channel), observability.ResultSuccess)
	audit.Record(ctx, a.audit, a.log, &audit.AuditEvent{
		EventType:    audit.EventTypeAuthLogin,
		Status:       audit.EventStatusSuccess,
		Username:     p.Username,
		Channel:      string(channel),
		ResourceType: audit.ResourceTypePrincipal,
		ResourceID:   p.ID,
		Metadata:     map[string]interface{}{"role": string(p.Role)},
	})
}

func (a *Authenticator) deny(ctx context.Context, username string, channel Channel, reason string) {
	a.metrics.RecordLogin(string(channel), observability.ResultDenied)
	audit.Record(ctx, a.audit, a.log, &audit.AuditEvent{
		EventType: audit.EventTypeAuthLoginFailed,
		Status:    audit.EventStatusDenied,
		Username:  username,
		Channel:   string(channel),
		Reason:    reason,
		Message:   "login denied",
	})
}
