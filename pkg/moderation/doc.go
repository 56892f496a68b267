// Package moderation implements the review of documents uploaded by
// college librarians.
//
// Librarians upload and remove records of their own college only. A
// super-admin approves or rejects pending records, and may remove any
// record through AdminRemove. Whether a decided record can be decided again
// depends on the configured workflow.DecisionMode.
package moderation
