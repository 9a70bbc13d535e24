package shared

// Actor identifies who performs a ledger operation. A non-nil BranchID scopes
// the actor to a single branch.
type Actor struct {
	ID       int64
	Name     string
	BranchID *int64
}

// ErrActorRequired is returned when an operation is invoked without an actor.
var ErrActorRequired = Validation("actor_required", "actor is required")

// Validate ensures the actor can be attributed in the journals.
func (a Actor) Validate() error {
	if a.ID <= 0 {
		return ErrActorRequired
	}
	return nil
}

// BranchScoped reports whether the actor is limited to one branch.
func (a Actor) BranchScoped() bool {
	return a.BranchID != nil
}

// CanAccessBranch reports whether the actor may act on the given branch.
func (a Actor) CanAccessBranch(branchID int64) bool {
	return a.BranchID == nil || *a.BranchID == branchID
}

// RequireBranch returns a Forbidden error when the actor is scoped elsewhere.
func (a Actor) RequireBranch(branchID int64) error {
	if !a.CanAccessBranch(branchID) {
		return Forbidden("branch_scope", "actor is not allowed to act on this branch").WithIDs(branchID)
	}
	return nil
}
