package migration

import "time"

type Direction rune

const (
	Down Direction = 'd'
	Up   Direction = 'u'
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// ---

// Special targets addressing the ends of a revision chain.
const (
	Head = "head"
	Base = "base"
)

// Migration identifies a revision and its place in the chain.
// DownRevision is empty only for the root of the chain.
type Migration struct {
	Revision     string
	DownRevision string
	Name         string
}

func (m Migration) String() string {
	return m.Revision + "_" + m.Name
}

// ---

type Status uint

const (
	Pending Status = iota
	Applied
	Missing
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Applied:
		return "applied"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// ---

type Log struct {
	Migration
	Direction
	AppliedAt time.Time
}

// ---

type Description struct {
	Migration
	BranchLabels []string
	DependsOn    []string
	CanUndo      bool
}

type State struct {
	Description
	Status    Status
	AppliedAt time.Time
}
