package moderation

import (
	"io"
	"time"

	"github.com/platinummonkey/consortium/pkg/workflow"
)

// Approval statuses
const (
	StatusPending  workflow.Status = "Pending"
	StatusApproved workflow.Status = "Approved"
	StatusRejected workflow.Status = "Rejected"
)

// UploadType is the document category of an upload
type UploadType string

// Upload categories
const (
	TypeMembershipStatus       UploadType = "Membership Status"
	TypeMembershipFeesReceipts UploadType = "Membership Fees Receipts"
	TypeCurrentYearEResources  UploadType = "Current Year e-Resources"
	TypeAccessConfirmation     UploadType = "Access Confirmation"
)

// UploadTypes lists every accepted category
var UploadTypes = []UploadType{
	TypeMembershipStatus,
	TypeMembershipFeesReceipts,
	TypeCurrentYearEResources,
	TypeAccessConfirmation,
}

// Valid reports whether t is a known category
func (t UploadType) Valid() bool {
	for _, known := range UploadTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Record is a stored upload
type Record struct {
	ID                 string          `json:"id"`
	CollegeName        string          `json:"collegeName"`
	UploadType         UploadType      `json:"uploadType"`
	FileName           string          `json:"fileName"`
	LibrarianName      string          `json:"librarianName"`
	LibrarianEmail     string          `json:"librarianEmail,omitempty"`
	UploadedBy         string          `json:"uploadedBy"`
	UploadDate         time.Time       `json:"uploadDate"`
	FileURL            string          `json:"fileUrl"`
	FileKey            string          `json:"fileKey"`
	ApprovalStatus     workflow.Status `json:"approvalStatus"`
	ApprovalDate       *time.Time      `json:"approvalDate,omitempty"`
	SuperAdminComments string          `json:"superAdminComments,omitempty"`
	ReviewedBy         string          `json:"reviewedBy,omitempty"`
}

// UploadInput is a librarian upload
type UploadInput struct {
	CollegeName string
	UploadType  UploadType
	FileName    string
	ContentType string
	Body        io.Reader
}

var decisions = workflow.Decisions{
	Once: workflow.NewMachine("upload", map[workflow.Status][]workflow.Status{
		StatusPending: {StatusApproved, StatusRejected},
	}),
	Revisable: workflow.NewMachine("upload", map[workflow.Status][]workflow.Status{
		StatusPending:  {StatusApproved, StatusRejected},
		StatusApproved: {StatusRejected},
		StatusRejected: {StatusApproved},
	}),
	Decided: []workflow.Status{StatusApproved, StatusRejected},
}
