// Package fleet tracks worker machines: registration, heartbeat
// freshness, capacity-aware selection and human-friendly alias
// resolution.
package fleet

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/store"
)

// SweepInterval is how often the registry marks silent machines offline.
const SweepInterval = 30 * time.Second

var ErrNoMachine = errors.New("no eligible machine")

// Registry is the machine directory backed by the store.
type Registry struct {
	store *store.Store
}

func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s}
}

// Register upserts a machine row and returns the stored record.
func (r *Registry) Register(ctx context.Context, machine *store.Machine) (*store.Machine, error) {
	registered, err := r.store.UpsertMachine(ctx, machine)
	if err != nil {
		return nil, errors.Wrapf(err, "register machine %s", machine.ID)
	}
	slog.Info("fleet: machine registered",
		"id", registered.ID, "name", registered.Name,
		"projects", registered.Projects, "maxConcurrent", registered.MaxConcurrent)
	return registered, nil
}

// Heartbeat records one liveness tick with the current load.
func (r *Registry) Heartbeat(ctx context.Context, id string, activeTasks int) error {
	return r.store.HeartbeatMachine(ctx, id, activeTasks)
}

// List returns all machines with status re-derived from heartbeat age,
// so a row the sweeper has not reached yet still reads offline.
func (r *Registry) List(ctx context.Context) ([]*store.Machine, error) {
	machines, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, m := range machines {
		m.Status = m.DeriveStatus(now)
	}
	return machines, nil
}

// Available returns machines with a fresh heartbeat and free capacity.
func (r *Registry) Available(ctx context.Context) ([]*store.Machine, error) {
	machines, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var available []*store.Machine
	for _, m := range machines {
		if m.Status != store.MachineOffline && m.FreeSlots() > 0 {
			available = append(available, m)
		}
	}
	return available, nil
}

// BestForProject picks the available machine with the most free slots
// that has the project locally. Machines without the project are a
// fallback, so a task still runs somewhere when no host knows the repo.
func (r *Registry) BestForProject(ctx context.Context, project string) (*store.Machine, error) {
	available, err := r.Available(ctx)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, ErrNoMachine
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].FreeSlots() > available[j].FreeSlots()
	})
	if project != "" {
		for _, m := range available {
			if m.KnowsProject(project) {
				return m, nil
			}
		}
	}
	return available[0], nil
}

// Resolve maps a user-typed alias to one machine. Match order: exact
// id, exact name, name substring, id substring, all case-insensitive.
// An ambiguous substring match is an error rather than a guess.
func (r *Registry) Resolve(ctx context.Context, alias string) (*store.Machine, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, errors.New("machine alias is empty")
	}
	machines, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(alias)

	for _, m := range machines {
		if strings.ToLower(m.ID) == lower {
			return m, nil
		}
	}
	for _, m := range machines {
		if strings.ToLower(m.Name) == lower {
			return m, nil
		}
	}
	byName := matchSubstring(machines, lower, func(m *store.Machine) string { return m.Name })
	if len(byName) == 1 {
		return byName[0], nil
	}
	if len(byName) > 1 {
		return nil, errors.Errorf("machine alias %q is ambiguous: matches %s", alias, machineIDs(byName))
	}
	byID := matchSubstring(machines, lower, func(m *store.Machine) string { return m.ID })
	if len(byID) == 1 {
		return byID[0], nil
	}
	if len(byID) > 1 {
		return nil, errors.Errorf("machine alias %q is ambiguous: matches %s", alias, machineIDs(byID))
	}
	return nil, errors.Wrapf(ErrNoMachine, "alias %q", alias)
}

// RunSweeper marks stale machines offline until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := r.store.MarkStaleMachinesOffline(ctx)
			if err != nil {
				slog.Error("fleet: offline sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				slog.Info("fleet: marked stale machines offline", "count", swept)
			}
		}
	}
}

func matchSubstring(machines []*store.Machine, lower string, key func(*store.Machine) string) []*store.Machine {
	var matched []*store.Machine
	for _, m := range machines {
		k := strings.ToLower(key(m))
		if k != "" && strings.Contains(k, lower) {
			matched = append(matched, m)
		}
	}
	return matched
}

func machineIDs(machines []*store.Machine) string {
	ids := make([]string, len(machines))
	for i, m := range machines {
		ids[i] = m.ID
	}
	return strings.Join(ids, ", ")
}
