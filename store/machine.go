package store

import (
	"strings"
	"time"
)

// MachineStatus is the derived health state of a worker machine.
type MachineStatus string

const (
	MachineOnline  MachineStatus = "online"
	MachineBusy    MachineStatus = "busy"
	MachineOffline MachineStatus = "offline"
)

// Heartbeat freshness windows.
const (
	// HeartbeatFresh is how recent a heartbeat must be for a machine to
	// count as online/busy.
	HeartbeatFresh = 60 * time.Second

	// HeartbeatStale is the cutoff after which the sweeper marks a
	// machine offline.
	HeartbeatStale = 120 * time.Second

	// HeartbeatInterval is how often workers report in.
	HeartbeatInterval = 30 * time.Second
)

// Machine is one registered worker host.
type Machine struct {
	ID             string
	Name           string
	Projects       []string
	MaxConcurrent  int
	ActiveTasks    int
	OS             string
	EnginePriority []string
	HealthURL      string
	LastHeartbeat  time.Time
	Status         MachineStatus
}

// DeriveStatus computes the status from heartbeat freshness and load.
func (m *Machine) DeriveStatus(now time.Time) MachineStatus {
	if now.Sub(m.LastHeartbeat) > HeartbeatFresh {
		return MachineOffline
	}
	if m.ActiveTasks > 0 {
		return MachineBusy
	}
	return MachineOnline
}

// IsFresh reports whether the heartbeat is within the online window.
func (m *Machine) IsFresh(now time.Time) bool {
	return now.Sub(m.LastHeartbeat) <= HeartbeatFresh
}

// FreeSlots is remaining concurrent capacity, never negative.
func (m *Machine) FreeSlots() int {
	free := m.MaxConcurrent - m.ActiveTasks
	if free < 0 {
		return 0
	}
	return free
}

// KnowsProject reports whether the machine has the project locally.
func (m *Machine) KnowsProject(project string) bool {
	for _, p := range m.Projects {
		if strings.EqualFold(p, project) {
			return true
		}
	}
	return false
}
