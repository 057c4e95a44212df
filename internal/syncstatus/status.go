package syncstatus

import "sync"

// Status is the single sync state shown to the user.
type Status string

const (
	LocalOnly    Status = "local-only"
	Synced       Status = "synced"
	Unsynced     Status = "unsynced-changes"
	Conflict     Status = "conflict"
	Offline      Status = "offline"
	AuthRequired Status = "auth-required"
	ConfigError  Status = "config-error"
)

func (s Status) String() string { return string(s) }

// Flags are the independent conditions a Status is derived from.
type Flags struct {
	ConfigError  bool
	AuthRequired bool
	Offline      bool
	Conflict     bool
	RemoteExists bool
	Dirty        bool
}

// Resolve maps any flag combination to exactly one Status, highest priority first.
func Resolve(f Flags) Status {
	switch {
	case f.ConfigError:
		return ConfigError
	case f.AuthRequired:
		return AuthRequired
	case f.Offline:
		return Offline
	case f.Conflict:
		return Conflict
	case !f.RemoteExists:
		return LocalOnly
	case f.Dirty:
		return Unsynced
	default:
		return Synced
	}
}

// ClearRemoteErrors drops the flags a successful gateway round trip disproves.
func (f Flags) ClearRemoteErrors() Flags {
	f.ConfigError = false
	f.AuthRequired = false
	f.Offline = false
	return f
}

// Machine holds Flags and reports Status transitions. Listeners run outside
// the lock and only when the resolved Status actually changes.
type Machine struct {
	mu       sync.Mutex
	flags    Flags
	status   Status
	onChange func(prev, next Status)
}

func NewMachine(initial Flags, onChange func(prev, next Status)) *Machine {
	return &Machine{flags: initial, status: Resolve(initial), onChange: onChange}
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Flags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Update applies mutate to the flags and returns the resulting Status and
// whether it differs from the previous one.
func (m *Machine) Update(mutate func(*Flags)) (Status, bool) {
	m.mu.Lock()
	prev := m.status
	mutate(&m.flags)
	next := Resolve(m.flags)
	m.status = next
	onChange := m.onChange
	m.mu.Unlock()

	if prev == next {
		return next, false
	}
	if onChange != nil {
		onChange(prev, next)
	}
	return next, true
}
