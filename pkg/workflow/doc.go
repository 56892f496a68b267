// Package workflow holds the pieces shared by the approval workflows: the
// transition table type, the decision mode and the invalidation hook used to
// wake live-sync subscribers after a mutation.
package workflow
