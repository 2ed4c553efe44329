package peerrpc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/peerrpc/pkg/group"
)

// MaxNameLength is the size of the fixed buffer each worker contributes
// to the naming all-gather.
const MaxNameLength = 128

// ValidateWorkerName reports whether `name` fits the naming all-gather.
// NUL bytes are reserved for padding.
func ValidateWorkerName(name string) bool {
	return name != "" && len(name) <= MaxNameLength && strings.IndexByte(name, 0) < 0
}

// InvalidHostname matches what memberlist node names and certificate
// common names must not contain.
var InvalidHostname = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

// ValidateHostname is stricter than `ValidateWorkerName` since discovered
// workers are also gossip nodes and TLS subjects.
func ValidateHostname(name string) bool {
	return ValidateWorkerName(name) && !InvalidHostname.MatchString(name)
}

// WorkerInfo identifies a worker of the group.
type WorkerInfo struct {
	Name string
	ID   int
}

func (info WorkerInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", info.Name),
		slog.Int("id", info.ID),
	)
}

// workerDirectory is built once by `collectNames` and never mutated
// afterwards, so it is safe for concurrent reads without locking.
type workerDirectory struct {
	names *iradix.Tree
	infos []WorkerInfo
}

// collectNames exchanges the worker names of the whole group and checks
// the local worker was assigned its own rank.
func collectNames(ctx context.Context, g group.Group, localName string) (*workerDirectory, error) {
	if !ValidateWorkerName(localName) {
		return nil, fmt.Errorf("%w: %q", ErrNameInvalid, localName)
	}

	worldSize := g.Size()
	if worldSize < 2 {
		return nil, fmt.Errorf("%w: got a world size of %d", ErrWorldTooSmall, worldSize)
	}

	contribution := make([]byte, MaxNameLength)
	copy(contribution, localName)

	collected, err := g.AllGather(ctx, contribution)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to collect names: %w", err)
	}
	if len(collected) != worldSize {
		return nil, fmt.Errorf("directory: collected %d names for a group of %d", len(collected), worldSize)
	}

	txn := iradix.New().Txn()
	infos := make([]WorkerInfo, worldSize)
	for rank, raw := range collected {
		name := string(bytes.TrimRight(raw, "\x00"))
		if !ValidateWorkerName(name) {
			return nil, fmt.Errorf("%w: rank %d announced %q", ErrNameInvalid, rank, name)
		}
		if _, conflict := txn.Insert([]byte(name), rank); conflict {
			return nil, fmt.Errorf("%w: %q", ErrNameConflict, name)
		}
		infos[rank] = WorkerInfo{Name: name, ID: rank}
	}

	dir := &workerDirectory{
		names: txn.Commit(),
		infos: infos,
	}

	resolved, err := dir.resolve(localName)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to resolve worker name %q to a rank: %w", localName, err)
	}
	if resolved.ID != g.Rank() {
		return nil, fmt.Errorf(
			"%w: resolved rank %d does not match group rank %d",
			ErrRankMismatch, resolved.ID, g.Rank(),
		)
	}

	return dir, nil
}

func (dir *workerDirectory) resolve(name string) (WorkerInfo, error) {
	id, ok := dir.names.Get([]byte(name))
	if !ok {
		return WorkerInfo{}, fmt.Errorf("%w: %q", ErrNameResolution, name)
	}
	return dir.infos[id.(int)], nil
}

// byID is a direct lookup, ids are only produced by this directory or
// validated preambles.
func (dir *workerDirectory) byID(id int) WorkerInfo {
	return dir.infos[id]
}

func (dir *workerDirectory) size() int {
	return len(dir.infos)
}

func (dir *workerDirectory) all() []WorkerInfo {
	infos := make([]WorkerInfo, len(dir.infos))
	copy(infos, dir.infos)
	return infos
}

func (dir *workerDirectory) scan(prefix string) (found []WorkerInfo, err error) {
	dir.names.Root().WalkPrefix([]byte(prefix), func(_ []byte, id interface{}) bool {
		found = append(found, dir.infos[id.(int)])
		return false
	})

	if len(found) == 0 {
		err = fmt.Errorf("%w: no worker with prefix %q", ErrNameResolution, prefix)
	}
	return
}
