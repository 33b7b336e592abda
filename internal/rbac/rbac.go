package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case RoleViewer:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Normalize maps stored invite/member roles onto the role set. Unknown values
// grant nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}

// Invitable reports whether role may be granted through an invite or membership.
func Invitable(role string) bool {
	return Role(role) == RoleViewer || Role(role) == RoleEditor
}

// PageAccess holds the facts that decide a caller's role on a page.
type PageAccess struct {
	IsOwner      bool
	InvitedRole  string
	PublicAccess string
}

// Resolve picks the strongest role the caller holds on the page.
func Resolve(access PageAccess) Role {
	if access.IsOwner {
		return RoleOwner
	}
	if role := Normalize(access.InvitedRole); role == RoleEditor || role == RoleViewer {
		return role
	}
	if access.PublicAccess == "read-only" {
		return RoleViewer
	}
	return RoleNone
}
