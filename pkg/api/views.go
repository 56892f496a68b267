package api

import (
	"time"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/moderation"
	"github.com/platinummonkey/consortium/pkg/passwordreset"
	"github.com/platinummonkey/consortium/pkg/registration"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// RegistrationView is a registration request without its password hash
type RegistrationView struct {
	ID                   string          `json:"id"`
	Username             string          `json:"username"`
	Email                string          `json:"email"`
	Role                 auth.Role       `json:"role"`
	RequestedPermissions []string        `json:"requestedPermissions"`
	RequestDate          time.Time       `json:"requestDate"`
	Status               workflow.Status `json:"status"`
	Reason               string          `json:"reason,omitempty"`
	CollegeName          string          `json:"collegeName,omitempty"`
	LibrarianName        string          `json:"librarianName,omitempty"`
	CollegeURL           string          `json:"collegeUrl,omitempty"`
	DecidedBy            string          `json:"decidedBy,omitempty"`
	DecidedAt            *time.Time      `json:"decidedAt,omitempty"`
}

func registrationView(r registration.Request) RegistrationView {
	return RegistrationView{
		ID:                   r.ID,
		Username:             r.Username,
		Email:                r.Email,
		Role:                 r.Role,
		RequestedPermissions: r.RequestedPermissions,
		RequestDate:          r.RequestDate,
		Status:               r.Status,
		Reason:               r.Reason,
		CollegeName:          r.CollegeName,
		LibrarianName:        r.LibrarianName,
		CollegeURL:           r.CollegeURL,
		DecidedBy:            r.DecidedBy,
		DecidedAt:            r.DecidedAt,
	}
}

func registrationViews(reqs []registration.Request) []RegistrationView {
	out := make([]RegistrationView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, registrationView(r))
	}
	return out
}

// PasswordResetView is a password change request without password or code
// hashes
type PasswordResetView struct {
	ID            string          `json:"id"`
	UserIdentity  string          `json:"userIdentity"`
	UserType      auth.Role       `json:"userType"`
	RequestDate   time.Time       `json:"requestDate"`
	Status        workflow.Status `json:"status"`
	OTPExpiry     *time.Time      `json:"otpExpiry,omitempty"`
	AdminComments string          `json:"adminComments,omitempty"`
	CollegeName   string          `json:"collegeName,omitempty"`
	DecidedBy     string          `json:"decidedBy,omitempty"`
	DecidedAt     *time.Time      `json:"decidedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

func passwordResetView(r passwordreset.Request) PasswordResetView {
	return PasswordResetView{
		ID:            r.ID,
		UserIdentity:  r.UserIdentity,
		UserType:      r.UserType,
		RequestDate:   r.RequestDate,
		Status:        r.Status,
		OTPExpiry:     r.OTPExpiry,
		AdminComments: r.AdminComments,
		CollegeName:   r.CollegeName,
		DecidedBy:     r.DecidedBy,
		DecidedAt:     r.DecidedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func passwordResetViews(reqs []passwordreset.Request) []PasswordResetView {
	out := make([]PasswordResetView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, passwordResetView(r))
	}
	return out
}

// UploadView is an upload as shown to clients. The storage key stays
// server side.
type UploadView struct {
	ID                 string                `json:"id"`
	CollegeName        string                `json:"collegeName"`
	UploadType         moderation.UploadType `json:"uploadType"`
	FileName           string                `json:"fileName"`
	LibrarianName      string                `json:"librarianName"`
	LibrarianEmail     string                `json:"librarianEmail,omitempty"`
	UploadedBy         string                `json:"uploadedBy"`
	UploadDate         time.Time             `json:"uploadDate"`
	FileURL            string                `json:"fileUrl"`
	ApprovalStatus     workflow.Status       `json:"approvalStatus"`
	ApprovalDate       *time.Time            `json:"approvalDate,omitempty"`
	SuperAdminComments string                `json:"superAdminComments,omitempty"`
	ReviewedBy         string                `json:"reviewedBy,omitempty"`
}

func uploadView(r moderation.Record) UploadView {
	return UploadView{
		ID:                 r.ID,
		CollegeName:        r.CollegeName,
		UploadType:         r.UploadType,
		FileName:           r.FileName,
		LibrarianName:      r.LibrarianName,
		LibrarianEmail:     r.LibrarianEmail,
		UploadedBy:         r.UploadedBy,
		UploadDate:         r.UploadDate,
		FileURL:            r.FileURL,
		ApprovalStatus:     r.ApprovalStatus,
		ApprovalDate:       r.ApprovalDate,
		SuperAdminComments: r.SuperAdminComments,
		ReviewedBy:         r.ReviewedBy,
	}
}

func uploadViews(recs []moderation.Record) []UploadView {
	out := make([]UploadView, 0, len(recs))
	for _, r := range recs {
		out = append(out, uploadView(r))
	}
	return out
}
