package registry

import (
	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/weakref"
)

// entry is the per-key record stored in the registry map.
//
// handle is always present and weakly tracks the computation's cell.
// pinned is the strong pin keeping the computation alive; nil means the
// entry has been demoted to weak-only. When pinned is set it refers to
// the same computation the handle tracks.
//
// Entries are stored by value so the map's CompareAndSwap and
// CompareAndDelete observe exactly the (pinned, handle) pair a reader
// loaded.
type entry struct {
	pinned computed.Computed
	handle *weakref.Handle[computed.Cell]
}

// target resolves the computation through the weak handle. Returns nil
// once the computation has been collected or the handle released.
func (e entry) target() computed.Computed {
	cell := e.handle.Target()
	if cell == nil {
		return nil
	}
	return cell.Computed()
}
