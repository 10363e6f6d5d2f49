package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/sbpm/model"
)

// snapshot is an immutable collection of all process models indexed by ID.
type snapshot struct {
	processes map[string]*model.ProcessModel
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded process
// models. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.ProcessModel) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Instances already running keep resolving
// their model by ID, so a replaced model must stay structurally compatible.
func (r *Registry) Replace(defs []model.ProcessModel) {
	s := &snapshot{
		processes: make(map[string]*model.ProcessModel, len(defs)),
	}

	var checksumParts []string
	for i := range defs {
		def := defs[i]
		s.processes[def.ID] = &def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetProcess returns the process model with the given ID. The returned
// model is shared and must not be modified.
func (r *Registry) GetProcess(processModelID string) (*model.ProcessModel, bool) {
	p, ok := r.current().processes[processModelID]
	return p, ok
}

// AllProcesses returns all process models sorted by ID.
func (r *Registry) AllProcesses() []*model.ProcessModel {
	s := r.current()
	defs := make([]*model.ProcessModel, 0, len(s.processes))
	for _, p := range s.processes {
		defs = append(defs, p)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of loaded process models.
func (r *Registry) Len() int {
	return len(r.current().processes)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
