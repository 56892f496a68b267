package passwordreset

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/audit"
	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/notify"
	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/rbac"
	"github.com/platinummonkey/consortium/pkg/store"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// DefaultOTPTTL is how long an emailed code stays valid
const DefaultOTPTTL = 10 * time.Minute

const (
	otpDigits    = 6
	metricsLabel = "password_reset"
	collection   = store.CollectionPasswordChangeRequests
)

// Config wires the workflow
type Config struct {
	Store       store.Store
	Roster      *auth.Roster
	Directory   auth.Directory
	Hasher      *auth.Hasher
	Sender      notify.Sender
	Mode        workflow.DecisionMode
	OTPTTL      time.Duration
	Invalidator workflow.Invalidator
	Audit       audit.Logger
	Metrics     *observability.Metrics
	Logger      logrus.FieldLogger
}

// Service runs the password change workflow
type Service struct {
	store       store.Store
	roster      *auth.Roster
	directory   auth.Directory
	hasher      *auth.Hasher
	sender      notify.Sender
	mode        workflow.DecisionMode
	otpTTL      time.Duration
	invalidator workflow.Invalidator
	audit       audit.Logger
	metrics     *observability.Metrics
	log         logrus.FieldLogger

	now     func() time.Time
	newID   func() string
	newCode func() (string, error)
}

// NewService creates the workflow
func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		roster:      cfg.Roster,
		directory:   cfg.Directory,
		hasher:      cfg.Hasher,
		sender:      cfg.Sender,
		mode:        cfg.Mode,
		otpTTL:      cfg.OTPTTL,
		invalidator: workflow.InvalidatorOrNoop(cfg.Invalidator),
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		now:         time.Now,
		newID:       uuid.NewString,
		newCode:     generateCode,
	}
	if s.log == nil {
		s.log = logrus.New()
	}
	if s.audit == nil {
		s.audit = audit.NoOp()
	}
	if s.hasher == nil {
		s.hasher = auth.NewHasher(0)
	}
	if s.sender == nil {
		s.sender = notify.NewLogSender(s.log)
	}
	if s.mode == "" {
		s.mode = workflow.TerminalOnce
	}
	if s.otpTTL <= 0 {
		s.otpTTL = DefaultOTPTTL
	}
	return s
}

// generateCode returns a uniformly random six digit code
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

type resolved struct {
	role    auth.Role
	college string
	email   string
}

// resolve finds the type of username: roster first, then librarian directory
func (s *Service) resolve(ctx context.Context, username string) (resolved, error) {
	if p, ok := s.roster.Lookup(username); ok {
		return resolved{role: p.Role, email: p.Email}, nil
	}
	if s.directory == nil {
		return resolved{}, errs.NotFound("user", username)
	}
	acct, err := s.directory.FindLibrarian(ctx, username)
	if err != nil {
		return resolved{}, err
	}
	return resolved{role: auth.RoleLibrarian, college: acct.CollegeName, email: acct.Email}, nil
}

// Submit records a password change request. A super-admin request gets an
// emailed code and waits in pending_otp; every other request waits for a
// super-admin decision.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" {
		return nil, errs.Validation("username is required")
	}
	if err := auth.ValidateNewPassword(in.NewPassword, in.ConfirmPassword); err != nil {
		return nil, err
	}

	who, err := s.resolve(ctx, in.Username)
	if err != nil {
		return nil, err
	}
	superAdmin := who.role == auth.RoleSuperAdmin
	if superAdmin && !validEmail(in.Email) {
		return nil, errs.Validation("a valid email address is required to receive the verification code")
	}
	// a configured super-admin address always receives the code; the
	// submitted one is only used when none is configured
	otpTo := in.Email
	if superAdmin && who.email != "" {
		if !strings.EqualFold(in.Email, who.email) {
			observability.FromContext(ctx, s.log).WithField("username", in.Username).
				Warn("Verification code requested for an address other than the configured one")
		}
		otpTo = who.email
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	req := Request{
		ID:              s.newID(),
		UserIdentity:    in.Username,
		UserType:        who.role,
		RequestDate:     now,
		Status:          StatusPending,
		NewPasswordHash: hash,
		CollegeName:     who.college,
		UserEmailForOTP: who.email,
	}

	var code string
	if superAdmin {
		code, err = s.newCode()
		if err != nil {
			return nil, err
		}
		expiry := now.Add(s.otpTTL)
		req.Status = StatusPendingOTP
		req.OTPCodeHash = hashCode(code)
		req.OTPExpiry = &expiry
		req.UserEmailForOTP = otpTo
	}

	created, err := store.Insert(ctx, s.store, collection, req.ID, req)
	if err != nil {
		return nil, err
	}

	log := observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id": created.ID,
		"username":   created.UserIdentity,
		"user_type":  created.UserType,
	})

	step := StepAwaitingApproval
	if superAdmin {
		step = StepEnterOTP
		err := s.sender.Send(ctx, notify.OTPMessage(otpTo, code, *created.OTPExpiry))
		s.metrics.RecordNotification("otp", err)
		if err != nil {
			log.WithError(err).Error("Failed to deliver verification code")
			// an undeliverable code leaves nothing to verify
			if delErr := s.store.Delete(ctx, collection, created.ID); delErr != nil {
				log.WithError(delErr).Warn("Failed to remove undeliverable request")
			}
			return nil, err
		}
	}

	log.Info("Password change request submitted")
	s.record(ctx, audit.EventTypePasswordResetSubmit, "", &created, nil)
	s.invalidator.TriggerUpdate(collection)
	return &SubmitResult{Request: &created, Step: step}, nil
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// load reads a request and its version
func (s *Service) load(ctx context.Context, id string) (Request, int64, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		return Request{}, 0, err
	}
	req, err := store.Decode[Request](doc)
	return req, doc.Version, err
}

// VerifyOTP checks the emailed code of a super-admin request. An expired code
// fails with errs.ErrExpired for good; a wrong code fails with
// errs.ErrInvalidCode and may be retried until expiry.
func (s *Service) VerifyOTP(ctx context.Context, id, code string) (*Request, error) {
	req, version, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPendingOTP {
		s.metrics.RecordTransition(metricsLabel, "verify", observability.ResultDenied)
		return nil, errs.InvalidTransition("password change request", string(req.Status), string(StatusApproved))
	}

	log := observability.FromContext(ctx, s.log).WithField("request_id", id)
	if req.OTPExpiry == nil || s.now().After(*req.OTPExpiry) {
		log.Info("Verification code expired")
		s.metrics.RecordTransition(metricsLabel, "verify", observability.ResultDenied)
		s.record(ctx, audit.EventTypePasswordResetVerify, "", &req, errs.ErrExpired)
		return nil, &errs.Error{Kind: errs.ErrExpired, Message: "verification code expired, please submit a new request"}
	}

	if subtle.ConstantTimeCompare([]byte(hashCode(strings.TrimSpace(code))), []byte(req.OTPCodeHash)) != 1 {
		s.metrics.RecordTransition(metricsLabel, "verify", observability.ResultDenied)
		s.record(ctx, audit.EventTypePasswordResetVerify, "", &req, errs.ErrInvalidCode)
		return nil, errs.ErrInvalidCode
	}

	decidedAt := s.now().UTC()
	updated, err := store.Modify[Request](ctx, s.store, collection, id, store.Patch{
		Expect:        map[string]interface{}{"status": StatusPendingOTP},
		ExpectVersion: version,
		Set: map[string]interface{}{
			"status":        StatusApproved,
			"adminComments": OTPComment,
			"decidedBy":     req.UserIdentity,
			"decidedAt":     decidedAt,
		},
	})
	if err != nil {
		s.metrics.RecordTransition(metricsLabel, "verify", observability.ResultConflict)
		return nil, s.mapConflict(ctx, id, err)
	}

	log.Info("Verification code accepted")
	s.metrics.RecordTransition(metricsLabel, "verify", observability.ResultSuccess)
	s.record(ctx, audit.EventTypePasswordResetVerify, "", &updated, nil)
	s.invalidator.TriggerUpdate(collection)
	return &updated, nil
}

// Approve accepts a pending request of a non super-admin principal
func (s *Service) Approve(ctx context.Context, actor *auth.Principal, id, comments string) (*Request, error) {
	return s.decide(ctx, actor, id, StatusApproved, comments)
}

// Reject refuses a pending request of a non super-admin principal
func (s *Service) Reject(ctx context.Context, actor *auth.Principal, id, comments string) (*Request, error) {
	return s.decide(ctx, actor, id, StatusRejected, comments)
}

func (s *Service) decide(ctx context.Context, actor *auth.Principal, id string, to workflow.Status, comments string) (*Request, error) {
	transition := "approve"
	event := audit.EventTypePasswordResetApprove
	if to == StatusRejected {
		transition = "reject"
		event = audit.EventTypePasswordResetReject
	}

	if err := rbac.Require(actor, rbac.PermDecidePasswordReset); err != nil {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultDenied)
		return nil, err
	}

	req, version, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserType == auth.RoleSuperAdmin {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultDenied)
		return nil, errs.Forbidden("super-admin password changes are confirmed by email code")
	}
	if err := decisions.Check(s.mode, id, req.Status, to); err != nil {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultDenied)
		return nil, err
	}

	updated, err := store.Modify[Request](ctx, s.store, collection, id, store.Patch{
		Expect:        map[string]interface{}{"status": req.Status},
		ExpectVersion: version,
		Set: map[string]interface{}{
			"status":        to,
			"adminComments": strings.TrimSpace(comments),
			"decidedBy":     actor.Username,
			"decidedAt":     s.now().UTC(),
		},
	})
	if err != nil {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultConflict)
		return nil, s.mapConflict(ctx, id, err)
	}

	observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id": id,
		"from":       req.Status,
		"to":         to,
		"actor":      actor.Username,
	}).Info("Password change request decided")
	s.metrics.RecordTransition(metricsLabel, transition, observability.ResultSuccess)
	s.record(ctx, event, actor.Username, &updated, nil)
	s.invalidator.TriggerUpdate(collection)
	return &updated, nil
}

// mapConflict turns a failed conditional write into the error describing the
// state another actor left the request in
func (s *Service) mapConflict(ctx context.Context, id string, err error) error {
	if !errors.Is(err, errs.ErrConflict) {
		return err
	}
	current, _, getErr := s.load(ctx, id)
	if getErr != nil {
		return err
	}
	for _, d := range decisions.Decided {
		if current.Status == d {
			return errs.AlreadyDecided("password change request", id, string(current.Status))
		}
	}
	return err
}

// List returns requests matching f in submission order
func (s *Service) List(ctx context.Context, actor *auth.Principal, f Filter) ([]Request, error) {
	if err := rbac.Require(actor, rbac.PermListPasswordResets); err != nil {
		return nil, err
	}
	all, err := store.GetAll[Request](ctx, s.store, collection)
	if err != nil {
		return nil, err
	}
	return store.Filter(all, func(r Request) bool {
		return (f.Status == "" || r.Status == f.Status) && (f.UserType == "" || r.UserType == f.UserType)
	}), nil
}

// CountPending counts requests waiting for a decision that were submitted
// before cutoff
func (s *Service) CountPending(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := store.GetAll[Request](ctx, s.store, collection)
	if err != nil {
		return 0, err
	}
	waiting := store.Filter(all, func(r Request) bool { return r.Status == StatusPending })
	s.metrics.SetPending(metricsLabel, len(waiting))
	return len(store.Filter(waiting, func(r Request) bool { return r.RequestDate.Before(cutoff) })), nil
}

// RotateCredential implements auth.CredentialRotator. It completes the newest
// approved request of username whose new password is password: the request
// moves approved → completed first, then the credential is replaced. If the
// credential cannot be stored the request is moved back to approved.
func (s *Service) RotateCredential(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}
	all, err := store.GetAll[Request](ctx, s.store, collection)
	if err != nil {
		return false, err
	}

	for i := len(all) - 1; i >= 0; i-- {
		req := all[i]
		if req.UserIdentity != username || req.Status != StatusApproved {
			continue
		}
		if !s.hasher.Verify(req.NewPasswordHash, password) {
			continue
		}
		return s.complete(ctx, req, all)
	}
	return false, nil
}

// complete applies req and retires every other approved request of the same
// user, so an older password can never be rotated back in
func (s *Service) complete(ctx context.Context, req Request, all []Request) (bool, error) {
	log := observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id": req.ID,
		"username":   req.UserIdentity,
	})

	_, err := s.store.Update(ctx, collection, req.ID, store.Patch{
		Expect: map[string]interface{}{"status": StatusApproved},
		Set: map[string]interface{}{
			"status":      StatusCompleted,
			"completedAt": s.now().UTC(),
		},
	})
	if errors.Is(err, errs.ErrConflict) {
		// another login completed or a super-admin revised it meanwhile
		log.Debug("Rotation lost the race for request")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.roster.SetCredential(ctx, req.UserIdentity, req.NewPasswordHash); err != nil {
		log.WithError(err).Error("Failed to store rotated credential, reverting request")
		_, revertErr := s.store.Update(ctx, collection, req.ID, store.Patch{
			Expect: map[string]interface{}{"status": StatusCompleted},
			Set: map[string]interface{}{
				"status":      StatusApproved,
				"completedAt": nil,
			},
		})
		if revertErr != nil {
			return false, &errs.PartialFailure{Op: "password rotation " + req.ID, Cause: err, Compensation: revertErr}
		}
		return false, err
	}

	log.Info("Password change completed at login")
	s.metrics.RecordTransition(metricsLabel, "complete", observability.ResultSuccess)
	s.supersede(ctx, req, all)
	s.invalidator.TriggerUpdate(collection)
	return true, nil
}

// supersede rejects the approved requests of req's user other than req.
// Failures are logged; a request that could not be retired is retried on the
// next completed rotation.
func (s *Service) supersede(ctx context.Context, req Request, all []Request) {
	for _, other := range all {
		if other.ID == req.ID || other.UserIdentity != req.UserIdentity || other.Status != StatusApproved {
			continue
		}
		log := observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
			"request_id":    other.ID,
			"superseded_by": req.ID,
		})
		updated, err := store.Modify[Request](ctx, s.store, collection, other.ID, store.Patch{
			Expect: map[string]interface{}{"status": StatusApproved},
			Set: map[string]interface{}{
				"status":        StatusRejected,
				"adminComments": SupersededComment,
				"decidedAt":     s.now().UTC(),
			},
		})
		if errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			log.WithError(err).Warn("Failed to retire superseded password change request")
			continue
		}
		log.Info("Retired superseded password change request")
		s.metrics.RecordTransition(metricsLabel, "supersede", observability.ResultSuccess)
		s.record(ctx, audit.EventTypePasswordResetReject, "", &updated, nil)
	}
}

func (s *Service) record(ctx context.Context, eventType audit.EventType, actor string, req *Request, failure error) {
	event := &audit.AuditEvent{
		EventType:    eventType,
		Status:       audit.EventStatusSuccess,
		Username:     req.UserIdentity,
		Actor:        actor,
		ResourceType: audit.ResourceTypePasswordRequest,
		ResourceID:   req.ID,
		Metadata: map[string]interface{}{
			"status":    string(req.Status),
			"user_type": string(req.UserType),
		},
	}
	if failure != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = failure.Error()
	}
	audit.Record(ctx, s.audit, s.log, event)
}
