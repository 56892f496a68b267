package rbac

import (
	"github.com/platinummonkey/consortium/pkg/auth"
)

// Resource represents a resource type in the portal
type Resource string

const (
	ResourceRegistration    Resource = "registration"
	ResourcePasswordRequest Resource = "password_request"
	ResourceUpload          Resource = "upload"
	ResourcePrincipal       Resource = "principal"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionList    Action = "list"
	ActionDecide  Action = "decide"
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionReadOwn Action = "read_own"
	ActionRemove  Action = "remove_own"
	ActionUpdate  Action = "update"
)

// Permission represents a specific permission (resource + action)
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// Permissions checked by the workflows
var (
	PermListRegistrations   = Permission{ResourceRegistration, ActionList}
	PermDecideRegistration  = Permission{ResourceRegistration, ActionDecide}
	PermListPasswordResets  = Permission{ResourcePasswordRequest, ActionList}
	PermDecidePasswordReset = Permission{ResourcePasswordRequest, ActionDecide}
	PermUploadFile          = Permission{ResourceUpload, ActionCreate}
	PermReadOwnUploads      = Permission{ResourceUpload, ActionReadOwn}
	PermRemoveOwnUpload     = Permission{ResourceUpload, ActionRemove}
	PermModerateUpload      = Permission{ResourceUpload, ActionDecide}
	PermDeleteAnyUpload     = Permission{ResourceUpload, ActionDelete}
	PermListUploads         = Permission{ResourceUpload, ActionList}
	PermManagePermissions   = Permission{ResourcePrincipal, ActionUpdate}
)

// Policy maps roles to the permissions they hold. Super-admins are not listed;
// they hold everything.
var Policy = map[auth.Role][]Permission{
	auth.RoleLibrarian: {
		PermUploadFile,
		PermReadOwnUploads,
		PermRemoveOwnUpload,
		PermListUploads,
	},
	auth.RoleAdmin:     {PermListUploads},
	auth.RolePublisher: {PermListUploads},
}
