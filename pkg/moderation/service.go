package moderation

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/async"
	"github.com/platinummonkey/consortium/pkg/audit"
	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/blob"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/rbac"
	"github.com/platinummonkey/consortium/pkg/store"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

const (
	metricsLabel   = "upload"
	collection     = store.CollectionUploads
	cleanupTimeout = 30 * time.Second
)

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Config wires the workflow
type Config struct {
	Store       store.Store
	Transport   blob.Transport
	Mode        workflow.DecisionMode
	Invalidator workflow.Invalidator
	Audit       audit.Logger
	Metrics     *observability.Metrics
	Logger      logrus.FieldLogger
}

// Service runs upload moderation
type Service struct {
	store       store.Store
	transport   blob.Transport
	mode        workflow.DecisionMode
	invalidator workflow.Invalidator
	audit       audit.Logger
	metrics     *observability.Metrics
	log         logrus.FieldLogger
	background  *async.Background

	now   func() time.Time
	newID func() string
}

// NewService creates the workflow
func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		transport:   cfg.Transport,
		mode:        cfg.Mode,
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
	if s.mode == "" {
		s.mode = workflow.TerminalOnce
	}
	s.background = async.NewBackground(s.log)
	return s
}

// Wait blocks until background blob cleanups have finished
func (s *Service) Wait() {
	s.background.Wait()
}

// objectKey places uploads under uploads/<college>/<id>/<file>
func objectKey(college, id, fileName string) (string, error) {
	slug := strings.Trim(unsafeKeyChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(college)), "-"), "-")
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	return blob.CleanKey(path.Join("uploads", slug, id, base))
}

// Upload stores a librarian document for their own college as Pending
func (s *Service) Upload(ctx context.Context, actor *auth.Principal, in UploadInput) (*Record, error) {
	if err := rbac.RequireCollege(actor, rbac.PermUploadFile, in.CollegeName); err != nil {
		s.metrics.RecordTransition(metricsLabel, "upload", observability.ResultDenied)
		return nil, err
	}
	if !in.UploadType.Valid() {
		return nil, errs.Validation("unknown upload type %q", in.UploadType)
	}
	if strings.TrimSpace(in.FileName) == "" || in.Body == nil {
		return nil, errs.Validation("a file is required")
	}

	id := s.newID()
	key, err := objectKey(actor.CollegeName, id, in.FileName)
	if err != nil {
		return nil, errs.Validation("invalid file name %q", in.FileName)
	}

	log := observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"upload_id": id,
		"college":   actor.CollegeName,
		"key":       key,
	})

	url, err := s.transport.Put(ctx, key, in.ContentType, in.Body)
	if err != nil {
		log.WithError(err).Error("Failed to store uploaded file")
		s.metrics.RecordTransition(metricsLabel, "upload", observability.ResultError)
		return nil, err
	}

	rec := Record{
		ID:             id,
		CollegeName:    actor.CollegeName,
		UploadType:     in.UploadType,
		FileName:       path.Base(key),
		LibrarianName:  actor.LibrarianName,
		LibrarianEmail: actor.Email,
		UploadedBy:     actor.Username,
		UploadDate:     s.now().UTC(),
		FileURL:        url,
		FileKey:        key,
		ApprovalStatus: StatusPending,
	}
	created, err := store.Insert(ctx, s.store, collection, id, rec)
	if err != nil {
		log.WithError(err).Error("Failed to record upload, removing stored file")
		s.metrics.RecordTransition(metricsLabel, "upload", observability.ResultError)
		if delErr := s.transport.Delete(ctx, key); delErr != nil {
			return nil, &errs.PartialFailure{Op: "upload " + id, Cause: err, Compensation: delErr}
		}
		return nil, err
	}

	log.Info("Upload submitted for review")
	s.metrics.RecordTransition(metricsLabel, "upload", observability.ResultSuccess)
	s.record(ctx, audit.EventTypeUploadCreate, actor.Username, &created, nil)
	s.invalidator.TriggerUpdate(collection)
	return &created, nil
}

// Approve marks a record Approved with optional comments
func (s *Service) Approve(ctx context.Context, actor *auth.Principal, id, comments string) (*Record, error) {
	return s.decide(ctx, actor, id, StatusApproved, comments)
}

// Reject marks a record Rejected; comments are required
func (s *Service) Reject(ctx context.Context, actor *auth.Principal, id, comments string) (*Record, error) {
	return s.decide(ctx, actor, id, StatusRejected, comments)
}

func (s *Service) decide(ctx context.Context, actor *auth.Principal, id string, to workflow.Status, comments string) (*Record, error) {
	transition := "approve"
	event := audit.EventTypeUploadApprove
	if to == StatusRejected {
		transition = "reject"
		event = audit.EventTypeUploadReject
	}

	if err := rbac.Require(actor, rbac.PermModerateUpload); err != nil {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultDenied)
		return nil, err
	}
	comments = strings.TrimSpace(comments)
	if to == StatusRejected && comments == "" {
		return nil, errs.Validation("a comment is required to reject an upload")
	}

	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	rec, err := store.Decode[Record](doc)
	if err != nil {
		return nil, err
	}
	if err := decisions.Check(s.mode, id, rec.ApprovalStatus, to); err != nil {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultDenied)
		return nil, err
	}

	updated, err := store.Modify[Record](ctx, s.store, collection, id, store.Patch{
		Expect:        map[string]interface{}{"approvalStatus": rec.ApprovalStatus},
		ExpectVersion: doc.Version,
		Set: map[string]interface{}{
			"approvalStatus":     to,
			"approvalDate":       s.now().UTC(),
			"superAdminComments": comments,
			"reviewedBy":         actor.Username,
		},
	})
	if err != nil {
		s.metrics.RecordTransition(metricsLabel, transition, observability.ResultConflict)
		return nil, s.mapConflict(ctx, id, err)
	}

	observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"upload_id": id,
		"from":      rec.ApprovalStatus,
		"to":        to,
		"actor":     actor.Username,
	}).Info("Upload reviewed")
	s.metrics.RecordTransition(metricsLabel, transition, observability.ResultSuccess)
	s.record(ctx, event, actor.Username, &updated, nil)
	s.invalidator.TriggerUpdate(collection)
	return &updated, nil
}

func (s *Service) mapConflict(ctx context.Context, id string, err error) error {
	if !errors.Is(err, errs.ErrConflict) {
		return err
	}
	current, getErr := store.GetByID[Record](ctx, s.store, collection, id)
	if getErr != nil {
		// removed while being reviewed
		return getErr
	}
	if s.mode == workflow.TerminalOnce && current.ApprovalStatus != StatusPending {
		return errs.AlreadyDecided("upload", id, string(current.ApprovalStatus))
	}
	return err
}

// Remove deletes a record of the librarian's own college in any status
func (s *Service) Remove(ctx context.Context, actor *auth.Principal, id string) error {
	if err := rbac.Require(actor, rbac.PermRemoveOwnUpload); err != nil {
		return err
	}
	rec, err := store.GetByID[Record](ctx, s.store, collection, id)
	if err != nil {
		return err
	}
	if !rbac.SameCollege(actor, rec.CollegeName) {
		return errs.Forbidden("%s is not your college", rec.CollegeName)
	}
	return s.remove(ctx, actor, rec)
}

// AdminRemove deletes any record on behalf of a super-admin
func (s *Service) AdminRemove(ctx context.Context, actor *auth.Principal, id string) error {
	if err := rbac.Require(actor, rbac.PermDeleteAnyUpload); err != nil {
		return err
	}
	rec, err := store.GetByID[Record](ctx, s.store, collection, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, actor, rec)
}

func (s *Service) remove(ctx context.Context, actor *auth.Principal, rec Record) error {
	if err := s.store.Delete(ctx, collection, rec.ID); err != nil {
		return err
	}

	log := observability.FromContext(ctx, s.log).WithFields(logrus.Fields{
		"upload_id": rec.ID,
		"college":   rec.CollegeName,
		"actor":     actor.Username,
	})
	log.Info("Upload removed")

	if rec.FileKey != "" && s.transport != nil {
		key := rec.FileKey
		s.background.Go(ctx, cleanupTimeout, "blob cleanup "+key, func(ctx context.Context) error {
			return s.transport.Delete(ctx, key)
		})
	}

	s.metrics.RecordTransition(metricsLabel, "remove", observability.ResultSuccess)
	s.record(ctx, audit.EventTypeUploadDelete, actor.Username, &rec, nil)
	s.invalidator.TriggerUpdate(collection)
	return nil
}

// MyFiles returns the records of the librarian's college, or every record
// for a super-admin
func (s *Service) MyFiles(ctx context.Context, actor *auth.Principal) ([]Record, error) {
	if err := rbac.Require(actor, rbac.PermReadOwnUploads); err != nil {
		return nil, err
	}
	all, err := store.GetAll[Record](ctx, s.store, collection)
	if err != nil {
		return nil, err
	}
	if actor.IsSuperAdmin() {
		return all, nil
	}
	return store.Filter(all, func(r Record) bool { return rbac.SameCollege(actor, r.CollegeName) }), nil
}

// ApprovedFiles returns Approved records, limited to college when given
func (s *Service) ApprovedFiles(ctx context.Context, actor *auth.Principal, college string) ([]Record, error) {
	if err := rbac.Require(actor, rbac.PermListUploads); err != nil {
		return nil, err
	}
	all, err := store.GetAll[Record](ctx, s.store, collection)
	if err != nil {
		return nil, err
	}
	college = strings.TrimSpace(college)
	return store.Filter(all, func(r Record) bool {
		return r.ApprovalStatus == StatusApproved &&
			(college == "" || strings.EqualFold(strings.TrimSpace(r.CollegeName), college))
	}), nil
}

// PendingQueue returns records waiting for review
func (s *Service) PendingQueue(ctx context.Context, actor *auth.Principal) ([]Record, error) {
	if err := rbac.Require(actor, rbac.PermModerateUpload); err != nil {
		return nil, err
	}
	all, err := store.GetAll[Record](ctx, s.store, collection)
	if err != nil {
		return nil, err
	}
	return store.Filter(all, func(r Record) bool { return r.ApprovalStatus == StatusPending }), nil
}

// CountPending counts Pending records uploaded before cutoff
func (s *Service) CountPending(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := store.GetAll[Record](ctx, s.store, collection)
	if err != nil {
		return 0, err
	}
	waiting := store.Filter(all, func(r Record) bool { return r.ApprovalStatus == StatusPending })
	s.metrics.SetPending(metricsLabel, len(waiting))
	return len(store.Filter(waiting, func(r Record) bool { return r.UploadDate.Before(cutoff) })), nil
}

func (s *Service) record(ctx context.Context, eventType audit.EventType, actor string, rec *Record, failure error) {
	event := &audit.AuditEvent{
		EventType:    eventType,
		Status:       audit.EventStatusSuccess,
		Actor:        actor,
		ResourceType: audit.ResourceTypeUpload,
		ResourceID:   rec.ID,
		Metadata: map[string]interface{}{
			"college":     rec.CollegeName,
			"upload_type": string(rec.UploadType),
			"status":      string(rec.ApprovalStatus),
		},
	}
	if failure != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = failure.Error()
	}
	audit.Record(ctx, s.audit, s.log, event)
}
