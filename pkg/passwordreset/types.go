package passwordreset

import (
	"time"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// Request statuses
const (
	StatusPending    workflow.Status = "pending"
	StatusPendingOTP workflow.Status = "pending_otp"
	StatusApproved   workflow.Status = "approved"
	StatusRejected   workflow.Status = "rejected"
	StatusCompleted  workflow.Status = "completed"
)

// Step tells the caller what happens after a submission
type Step string

const (
	// StepEnterOTP asks for the emailed code
	StepEnterOTP Step = "enter_otp"
	// StepAwaitingApproval means a super-admin has to decide
	StepAwaitingApproval Step = "awaiting_approval"
)

// OTPComment is stored on requests approved by code verification
const OTPComment = "Approved automatically after email code verification"

// SupersededComment is stored on approved requests retired because a newer
// password change of the same user completed first
const SupersededComment = "Superseded by a later completed password change"

// Request is a stored password change request. Neither the new password nor
// the code is stored in clear text.
type Request struct {
	ID              string          `json:"id"`
	UserIdentity    string          `json:"userIdentity"`
	UserType        auth.Role       `json:"userType"`
	RequestDate     time.Time       `json:"requestDate"`
	Status          workflow.Status `json:"status"`
	NewPasswordHash string          `json:"newPasswordHash"`
	OTPCodeHash     string          `json:"otpCodeHash,omitempty"`
	OTPExpiry       *time.Time      `json:"otpExpiry,omitempty"`
	UserEmailForOTP string          `json:"userEmailForOtp,omitempty"`
	AdminComments   string          `json:"adminComments,omitempty"`
	CollegeName     string          `json:"collegeName,omitempty"`
	DecidedBy       string          `json:"decidedBy,omitempty"`
	DecidedAt       *time.Time      `json:"decidedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// SubmitInput is a password change submission
type SubmitInput struct {
	Username        string `json:"username"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
	// Email receives the code; only used for the super-admin
	Email string `json:"email,omitempty"`
}

// SubmitResult is the outcome of Submit
type SubmitResult struct {
	Request *Request `json:"request"`
	Step    Step     `json:"step"`
}

// Filter narrows List; zero fields match everything
type Filter struct {
	Status   workflow.Status
	UserType auth.Role
}

var decisions = workflow.Decisions{
	Once: workflow.NewMachine("password change request", map[workflow.Status][]workflow.Status{
		StatusPending:  {StatusApproved, StatusRejected},
		StatusApproved: {StatusCompleted},
	}),
	Revisable: workflow.NewMachine("password change request", map[workflow.Status][]workflow.Status{
		StatusPending:  {StatusApproved, StatusRejected},
		StatusApproved: {StatusRejected, StatusCompleted},
		StatusRejected: {StatusApproved},
	}),
	Decided: []workflow.Status{StatusApproved, StatusRejected, StatusCompleted},
}
