// Package conflict decides which version of a record wins when local and
// remote copies diverge.
package conflict

import (
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// Side names the winning version.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Resolution is the merged outcome of a conflict.
type Resolution struct {
	Winner    Side
	Data      map[string]interface{}
	UpdatedAt time.Time
}

// Resolver resolves a conflict between a remote document and a local record.
type Resolver interface {
	Resolve(remote core.Document, local *core.Record) Resolution
}

// LastWriterWins picks the version with the later UpdatedAt. Ties and
// missing timestamps favor local. There is no field-level merge.
type LastWriterWins struct{}

// Resolve implements Resolver.
func (LastWriterWins) Resolve(remote core.Document, local *core.Record) Resolution {
	if local == nil {
		return Resolution{Winner: Remote, Data: core.CopyData(remote.Data), UpdatedAt: remote.UpdatedAt}
	}
	if RemoteNewer(remote, local) {
		return Resolution{Winner: Remote, Data: core.CopyData(remote.Data), UpdatedAt: remote.UpdatedAt}
	}
	return Resolution{Winner: Local, Data: core.CopyData(local.Data), UpdatedAt: local.UpdatedAt}
}

// RemoteNewer reports whether remote is strictly newer than local. Missing
// timestamps on either side count as not newer.
func RemoteNewer(remote core.Document, local *core.Record) bool {
	if remote.UpdatedAt.IsZero() || local.UpdatedAt.IsZero() {
		return false
	}
	return remote.UpdatedAt.After(local.UpdatedAt)
}

// LocalNewer reports whether local is strictly newer than remote.
func LocalNewer(remote core.Document, local *core.Record) bool {
	if remote.UpdatedAt.IsZero() || local.UpdatedAt.IsZero() {
		return false
	}
	return local.UpdatedAt.After(remote.UpdatedAt)
}
