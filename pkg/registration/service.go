package registration

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/audit"
	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/rbac"
	"github.com/platinummonkey/consortium/pkg/store"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

const (
	metricsLabel = "registration"
	collection   = store.CollectionRegistrationRequests
)

// Config wires the workflow
type Config struct {
	Store       store.Store
	Roster      *auth.Roster
	Directory   auth.Directory
	Hasher      *auth.Hasher
	Invalidator workflow.Invalidator
	Audit       audit.Logger
	Metrics     *observability.Metrics
	Logger      logrus.FieldLogger
}

// Service runs the registration workflow
type Service struct {
	store       store.Store
	roster      *auth.Roster
	directory   auth.Directory
	hasher      *auth.Hasher
	invalidator workflow.Invalidator
	audit       audit.Logger
	metrics     *observability.Metrics
	log         logrus.FieldLogger

	now   func() time.Time
	newID func() string
}

// NewService creates the workflow
func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		roster:      cfg.Roster,
		directory:   cfg.Directory,
		hasher:      cfg.Hasher,
		invalidator: workflow.InvalidatorOrNoop(cfg.Invalidator),
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		now:         time.Now,
		newID:       uuid.NewString,
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
	return s
}

// Submit validates a registration form and stores a pending request
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	switch {
	case in.Username == "":
		return nil, errs.Validation("username is required")
	case in.Email == "":
		return nil, errs.Validation("email is required")
	case !strings.Contains(in.Email, "@"):
		return nil, errs.Validation("email %q is not valid", in.Email)
	}
	if err := auth.ValidateNewPassword(in.Password, in.ConfirmPassword); err != nil {
		return nil, err
	}
	if in.Role == auth.RoleSuperAdmin || !in.Role.Valid() {
		return nil, errs.Validation("role must be one of admin, librarian or publisher")
	}
	if in.Role == auth.RoleLibrarian {
		in.CollegeName = strings.TrimSpace(in.CollegeName)
		in.LibrarianName = strings.TrimSpace(in.LibrarianName)
		in.CollegeURL = strings.TrimSpace(in.CollegeURL)
		if in.CollegeName == "" {
			return nil, errs.Validation("college name is required for librarians")
		}
	} else {
		in.CollegeName, in.LibrarianName, in.CollegeURL = "", "", ""
	}
	if err := s.checkUsername(ctx, in.Username); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	req := Request{
		ID:                   s.newID(),
		Username:             in.Username,
		Email:                in.Email,
		Password:             hash,
		Role:                 in.Role,
		RequestedPermissions: auth.NormalizePermissions(in.Permissions),
		RequestDate:          s.now().UTC(),
		Status:               StatusPending,
		CollegeName:          in.CollegeName,
		LibrarianName:        in.LibrarianName,
		CollegeURL:           in.CollegeURL,
	}
	created, err := store.Insert(ctx, s.store, collection, req.ID, req)
	if err != nil {
		return nil, err
	}

	observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id": created.ID,
		"username":   created.Username,
		"role":       created.Role,
	}).Info("Registration request submitted")
	s.record(ctx, audit.EventTypeRegistrationSubmit, "", &created, nil)
	s.invalidator.TriggerUpdate(collection)
	return &created, nil
}

// checkUsername rejects usernames held by a roster principal, a directory
// librarian or another pending request
func (s *Service) checkUsername(ctx context.Context, username string) error {
	if s.roster.Exists(username) {
		return errs.Validation("username %q is already taken", username)
	}
	if s.directory != nil {
		_, err := s.directory.FindLibrarian(ctx, username)
		if err == nil {
			return errs.Validation("username %q is already taken", username)
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}

	all, err := store.GetAll[Request](ctx, s.store, collection)
	if err != nil {
		return err
	}
	for _, r := range all {
		if r.Username == username && r.Status == StatusPending {
			return errs.Validation("a registration for %q is already waiting for review", username)
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (Request, int64, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		return Request{}, 0, err
	}
	req, err := store.Decode[Request](doc)
	return req, doc.Version, err
}

// Approve accepts a pending request and adds the requested principal to the
// roster. Approving an already approved request returns it unchanged.
func (s *Service) Approve(ctx context.Context, actor *auth.Principal, id string) (*Request, error) {
	if err := rbac.Require(actor, rbac.PermDecideRegistration); err != nil {
		s.metrics.RecordTransition(metricsLabel, "approve", observability.ResultDenied)
		return nil, err
	}

	req, version, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusApproved && s.materialized(req) {
		return &req, nil
	}
	if !machine.CanTransition(req.Status, StatusApproved) && req.Status != StatusApproved {
		s.metrics.RecordTransition(metricsLabel, "approve", observability.ResultDenied)
		return nil, errs.InvalidTransition(machine.Name(), string(req.Status), string(StatusApproved))
	}

	log := observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id": id,
		"username":   req.Username,
		"actor":      actor.Username,
	})

	approved := req
	if req.Status == StatusPending {
		approved, err = store.Modify[Request](ctx, s.store, collection, id, store.Patch{
			Expect:        map[string]interface{}{"status": StatusPending},
			ExpectVersion: version,
			Set: map[string]interface{}{
				"status":    StatusApproved,
				"decidedBy": actor.Username,
				"decidedAt": s.now().UTC(),
			},
		})
		if err != nil {
			s.metrics.RecordTransition(metricsLabel, "approve", observability.ResultConflict)
			return s.afterConflict(ctx, id, StatusApproved, err)
		}
	} else {
		// approved without a principal: a previous compensation failed
		log.Warn("Repairing approved registration without principal")
	}

	principal := &auth.Principal{
		ID:          approved.ID,
		Username:    approved.Username,
		Role:        approved.Role,
		Permissions: approved.RequestedPermissions,
		CreatedBy:   actor.Username,
		CreatedAt:   s.now().UTC(),
		Email:       approved.Email,

		CollegeName:   approved.CollegeName,
		LibrarianName: approved.LibrarianName,
		CollegeURL:    approved.CollegeURL,
	}
	if err := s.roster.Add(ctx, principal, approved.Password); err != nil && !s.materialized(approved) {
		log.WithError(err).Error("Failed to add principal, reverting approval")
		s.metrics.RecordTransition(metricsLabel, "approve", observability.ResultError)
		s.record(ctx, audit.EventTypeRegistrationApprove, actor.Username, &approved, err)

		_, revertErr := s.store.Update(ctx, collection, id, store.Patch{
			Expect: map[string]interface{}{"status": StatusApproved},
			Set: map[string]interface{}{
				"status":    StatusPending,
				"decidedBy": "",
				"decidedAt": nil,
			},
		})
		if revertErr != nil {
			return nil, &errs.PartialFailure{Op: "registration approval " + id, Cause: err, Compensation: revertErr}
		}
		s.invalidator.TriggerUpdate(collection)
		return nil, err
	}

	log.Info("Registration request approved")
	s.metrics.RecordTransition(metricsLabel, "approve", observability.ResultSuccess)
	s.record(ctx, audit.EventTypeRegistrationApprove, actor.Username, &approved, nil)
	s.invalidator.TriggerUpdate(collection)
	return &approved, nil
}

// materialized reports whether the roster holds the principal created from req
func (s *Service) materialized(req Request) bool {
	p, ok := s.roster.Lookup(req.Username)
	return ok && p.ID == req.ID
}

// Reject refuses a pending request with an optional reason
func (s *Service) Reject(ctx context.Context, actor *auth.Principal, id, reason string) (*Request, error) {
	if err := rbac.Require(actor, rbac.PermDecideRegistration); err != nil {
		s.metrics.RecordTransition(metricsLabel, "reject", observability.ResultDenied)
		return nil, err
	}

	req, version, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !machine.CanTransition(req.Status, StatusRejected) {
		s.metrics.RecordTransition(metricsLabel, "reject", observability.ResultDenied)
		return nil, errs.AlreadyDecided(machine.Name(), id, string(req.Status))
	}

	rejected, err := store.Modify[Request](ctx, s.store, collection, id, store.Patch{
		Expect:        map[string]interface{}{"status": StatusPending},
		ExpectVersion: version,
		Set: map[string]interface{}{
			"status":    StatusRejected,
			"reason":    strings.TrimSpace(reason),
			"decidedBy": actor.Username,
			"decidedAt": s.now().UTC(),
		},
	})
	if err != nil {
		s.metrics.RecordTransition(metricsLabel, "reject", observability.ResultConflict)
		_, err = s.afterConflict(ctx, id, StatusRejected, err)
		return nil, err
	}

	observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"request_id": id,
		"username":   rejected.Username,
		"actor":      actor.Username,
	}).Info("Registration request rejected")
	s.metrics.RecordTransition(metricsLabel, "reject", observability.ResultSuccess)
	s.record(ctx, audit.EventTypeRegistrationReject, actor.Username, &rejected, nil)
	s.invalidator.TriggerUpdate(collection)
	return &rejected, nil
}

// afterConflict re-reads a request another actor changed first. Losing an
// approval race to another approval is not an error.
func (s *Service) afterConflict(ctx context.Context, id string, want workflow.Status, err error) (*Request, error) {
	if !errors.Is(err, errs.ErrConflict) {
		return nil, err
	}
	current, _, getErr := s.load(ctx, id)
	if getErr != nil {
		return nil, err
	}
	switch {
	case current.Status == want && want == StatusApproved:
		return &current, nil
	case machine.Terminal(current.Status):
		return nil, errs.AlreadyDecided(machine.Name(), id, string(current.Status))
	}
	return nil, err
}

// List returns requests in submission order; an empty status matches all
func (s *Service) List(ctx context.Context, actor *auth.Principal, status workflow.Status) ([]Request, error) {
	if err := rbac.Require(actor, rbac.PermListRegistrations); err != nil {
		return nil, err
	}
	all, err := store.GetAll[Request](ctx, s.store, collection)
	if err != nil {
		return nil, err
	}
	return store.Filter(all, func(r Request) bool {
		return status == "" || r.Status == status
	}), nil
}

// CountPending counts pending requests submitted before cutoff
func (s *Service) CountPending(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := store.GetAll[Request](ctx, s.store, collection)
	if err != nil {
		return 0, err
	}
	waiting := store.Filter(all, func(r Request) bool { return r.Status == StatusPending })
	s.metrics.SetPending(metricsLabel, len(waiting))
	return len(store.Filter(waiting, func(r Request) bool { return r.RequestDate.Before(cutoff) })), nil
}

func (s *Service) record(ctx context.Context, eventType audit.EventType, actor string, req *Request, failure error) {
	event := &audit.AuditEvent{
		EventType:    eventType,
		Status:       audit.EventStatusSuccess,
		Username:     req.Username,
		Actor:        actor,
		ResourceType: audit.ResourceTypeRegistrationRequest,
		ResourceID:   req.ID,
		Metadata: map[string]interface{}{
			"status": string(req.Status),
			"role":   string(req.Role),
		},
	}
	if failure != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = failure.Error()
	}
	audit.Record(ctx, s.audit, s.log, event)
}
