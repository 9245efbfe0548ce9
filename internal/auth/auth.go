// Package auth holds the session ownership policy.
package auth

import (
	"fmt"
	"strings"
)

// ForbiddenError indicates the actor may not act on a session.
type ForbiddenError struct {
	Action    string
	SessionID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s session %s", e.Action, e.SessionID)
}

// Actions checked against session ownership.
const (
	ActionView     = "view"
	ActionApprove  = "approve"
	ActionRefine   = "refine"
	ActionFollowUp = "follow up"
	ActionFinish   = "finish"
	ActionStop     = "stop"
	ActionUpload   = "upload replays for"
)

// CanAccess reports whether actorID may act on a session owned by ownerID.
// Sessions created without an owner are open to every authenticated actor.
func CanAccess(ownerID, actorID string) bool {
	ownerID = strings.TrimSpace(ownerID)
	return ownerID == "" || ownerID == strings.TrimSpace(actorID)
}

// RequireOwner returns a ForbiddenError unless CanAccess holds.
func RequireOwner(sessionID, ownerID, actorID, action string) error {
	if CanAccess(ownerID, actorID) {
		return nil
	}
	return ForbiddenError{Action: action, SessionID: sessionID}
}
