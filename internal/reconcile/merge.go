package reconcile

import "time"

// Timestamped is a record that carries its last update time.
type Timestamped interface {
	Timestamp() time.Time
}

// Side names which copy of a record won a merge.
type Side int

const (
	Remote Side = iota
	Local
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// Merge resolves a conflict between a local and a remote copy of the same
// record by last-writer-wins on the update timestamp. The remote copy wins
// ties. The loser is discarded whole; fields are never mixed.
func Merge[T Timestamped](local, remote T) (T, Side) {
	if local.Timestamp().After(remote.Timestamp()) {
		return local, Local
	}
	return remote, Remote
}
