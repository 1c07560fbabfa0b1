package scheduler

// Leadership tells whether this node may run leader-only housekeeping. It is
// asked on every housekeeping pass.
type Leadership interface {
	IsLeader() bool
}

type staticLeadership bool

func (s staticLeadership) IsLeader() bool { return bool(s) }

var (
	// AlwaysLeader suits a single node deployment.
	AlwaysLeader Leadership = staticLeadership(true)
	// NeverLeader runs jobs but leaves housekeeping to other nodes.
	NeverLeader Leadership = staticLeadership(false)
)
