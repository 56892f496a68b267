package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/errs"
	"github.com/platinummonkey/consortium/pkg/httputil"
	"github.com/platinummonkey/consortium/pkg/moderation"
	"github.com/platinummonkey/consortium/pkg/passwordreset"
	"github.com/platinummonkey/consortium/pkg/registration"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// DecisionRequest carries the optional comment of a decision. Reason is
// accepted as an alias for registration rejections.
type DecisionRequest struct {
	Comments string `json:"comments"`
	Reason   string `json:"reason"`
}

func (d DecisionRequest) text() string {
	if d.Comments != "" {
		return d.Comments
	}
	return d.Reason
}

// decision reads the id path variable and an optional decision body
func decision(w http.ResponseWriter, r *http.Request) (string, DecisionRequest, bool) {
	var req DecisionRequest
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return "", req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxJSONBytes)
	if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteBadRequest(w, err.Error())
		return "", req, false
	}
	return id, req, true
}

// Registrations

func (s *Server) submitRegistration(w http.ResponseWriter, r *http.Request) {
	var in registration.SubmitInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.registrations.Submit(r.Context(), in)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, registrationView(*req))
}

func (s *Server) listRegistrations(w http.ResponseWriter, r *http.Request) {
	status := workflow.Status(httputil.ParseQueryString(r, "status", ""))
	reqs, err := s.registrations.List(r.Context(), principal(r), status)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, registrationViews(reqs))
}

func (s *Server) approveRegistration(w http.ResponseWriter, r *http.Request) {
	id, _, ok := decision(w, r)
	if !ok {
		return
	}
	req, err := s.registrations.Approve(r.Context(), principal(r), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, registrationView(*req))
}

func (s *Server) rejectRegistration(w http.ResponseWriter, r *http.Request) {
	id, body, ok := decision(w, r)
	if !ok {
		return
	}
	req, err := s.registrations.Reject(r.Context(), principal(r), id, body.text())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, registrationView(*req))
}

// Password resets

// SubmitResetResponse tells the client which step follows a submission
type SubmitResetResponse struct {
	Request PasswordResetView  `json:"request"`
	Step    passwordreset.Step `json:"step"`
}

func (s *Server) submitPasswordReset(w http.ResponseWriter, r *http.Request) {
	var in passwordreset.SubmitInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.resets.Submit(r.Context(), in)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, SubmitResetResponse{Request: passwordResetView(*res.Request), Step: res.Step})
}

// VerifyRequest carries an emailed code
type VerifyRequest struct {
	Code string `json:"code"`
}

func (s *Server) verifyPasswordReset(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var in VerifyRequest
	if !decode(w, r, &in) {
		return
	}
	req, err := s.resets.VerifyOTP(r.Context(), id, in.Code)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, passwordResetView(*req))
}

func (s *Server) listPasswordResets(w http.ResponseWriter, r *http.Request) {
	f := passwordreset.Filter{
		Status:   workflow.Status(httputil.ParseQueryString(r, "status", "")),
		UserType: auth.Role(httputil.ParseQueryString(r, "userType", "")),
	}
	reqs, err := s.resets.List(r.Context(), principal(r), f)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, passwordResetViews(reqs))
}

func (s *Server) approvePasswordReset(w http.ResponseWriter, r *http.Request) {
	id, body, ok := decision(w, r)
	if !ok {
		return
	}
	req, err := s.resets.Approve(r.Context(), principal(r), id, body.text())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, passwordResetView(*req))
}

func (s *Server) rejectPasswordReset(w http.ResponseWriter, r *http.Request) {
	id, body, ok := decision(w, r)
	if !ok {
		return
	}
	req, err := s.resets.Reject(r.Context(), principal(r), id, body.text())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, passwordResetView(*req))
}

// Uploads

func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	actor := principal(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		httputil.WriteBadRequest(w, "expected a multipart form with a file")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteDomainError(w, errs.Validation("a file is required"))
		return
	}
	defer file.Close()

	college := strings.TrimSpace(r.FormValue("collegeName"))
	if college == "" && actor != nil {
		college = actor.CollegeName
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec, err := s.uploads.Upload(r.Context(), actor, moderation.UploadInput{
		CollegeName: college,
		UploadType:  moderation.UploadType(r.FormValue("uploadType")),
		FileName:    header.Filename,
		ContentType: contentType,
		Body:        file,
	})
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, uploadView(*rec))
}

func (s *Server) myUploads(w http.ResponseWriter, r *http.Request) {
	recs, err := s.uploads.MyFiles(r.Context(), principal(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, uploadViews(recs))
}

func (s *Server) approvedUploads(w http.ResponseWriter, r *http.Request) {
	recs, err := s.uploads.ApprovedFiles(r.Context(), principal(r), httputil.ParseQueryString(r, "college", ""))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, uploadViews(recs))
}

func (s *Server) pendingUploads(w http.ResponseWriter, r *http.Request) {
	recs, err := s.uploads.PendingQueue(r.Context(), principal(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, uploadViews(recs))
}

func (s *Server) approveUpload(w http.ResponseWriter, r *http.Request) {
	id, body, ok := decision(w, r)
	if !ok {
		return
	}
	rec, err := s.uploads.Approve(r.Context(), principal(r), id, body.text())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, uploadView(*rec))
}

func (s *Server) rejectUpload(w http.ResponseWriter, r *http.Request) {
	id, body, ok := decision(w, r)
	if !ok {
		return
	}
	rec, err := s.uploads.Reject(r.Context(), principal(r), id, body.text())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, uploadView(*rec))
}

// deleteUpload lets librarians withdraw their college's files and super-admins
// remove any file
func (s *Server) deleteUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	actor := principal(r)
	var err error
	if actor.IsLibrarian() {
		err = s.uploads.Remove(r.Context(), actor, id)
	} else {
		err = s.uploads.AdminRemove(r.Context(), actor, id)
	}
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
