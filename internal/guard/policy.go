package guard

import (
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
)

type Action int

const (
	ActionNone Action = iota
	ActionTerminate
	ActionUpdateStatus
)

func (a Action) String() string {
	switch a {
	case ActionTerminate:
		return "terminate"
	case ActionUpdateStatus:
		return "update-status"
	}
	return "none"
}

type ToastKind int

const (
	ToastInfo ToastKind = iota
	ToastError
)

func (k ToastKind) String() string {
	if k == ToastError {
		return "error"
	}
	return "info"
}

const (
	msgPasswordReset = "Your password was reset by an administrator. Please sign in again."
	msgUserDeleted   = "Your account has been deleted."
)

// Decision is what the guard should do about one event for one session.
type Decision struct {
	Action  Action
	Reason  protocol.Topic
	Toast   ToastKind
	Message string
	// Replace asks the navigator to replace history so the user cannot
	// navigate back into authenticated pages.
	Replace bool
	Status  session.Status
}

// resetTerminates lists the roles a password reset logs out. Admins and
// adopters keep their session on reset; deletion logs out every role.
var resetTerminates = map[session.Role]bool{
	session.Seller:  true,
	session.Shelter: true,
}

// Evaluate applies the forced-logout policy to ev for sess. It has no side
// effects.
func Evaluate(ev protocol.Event, sess session.Session) Decision {
	switch e := ev.(type) {
	case protocol.PasswordReset:
		if e.UserID != sess.UserID || !resetTerminates[sess.Role] {
			return Decision{}
		}
		return Decision{
			Action:  ActionTerminate,
			Reason:  e.Topic(),
			Toast:   ToastInfo,
			Message: msgPasswordReset,
			Replace: true,
		}
	case protocol.UserDeleted:
		if e.UserID != sess.UserID {
			return Decision{}
		}
		return Decision{
			Action:  ActionTerminate,
			Reason:  e.Topic(),
			Toast:   ToastError,
			Message: msgUserDeleted,
			Replace: true,
		}
	case protocol.UserStatusChanged:
		if e.UserID != sess.UserID || e.Status == sess.Status {
			return Decision{}
		}
		return Decision{Action: ActionUpdateStatus, Reason: e.Topic(), Status: e.Status}
	}
	return Decision{}
}
