package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"render-queue/internal/models"
	"render-queue/internal/session"
	"render-queue/internal/store"
	"render-queue/internal/telemetry"
)

// Snapshot is the read-only connection state handed to observers.
type Snapshot struct {
	State         string           `json:"state"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ActiveProfile *models.Profile  `json:"active_profile,omitempty"`
	Profiles      []models.Profile `json:"profiles"`
	Catalog       models.Catalog   `json:"catalog"`
}

// Manager owns the profile registry and the zero-or-one active session. All
// mutations are serialized through its mutex; reads are served as snapshots.
// Connection failures surface as state, never as panics or returned errors
// from the lifecycle methods.
type Manager struct {
	mu sync.Mutex

	dialer   session.Dialer
	profiles []models.Profile
	active   *models.Profile
	sess     session.Session
	state    string
	errMsg   string
	catalog  models.Catalog

	store store.ProfileStore
	log   zerolog.Logger
	subs  []func(Snapshot)
}

// NewManager loads the profile set from the store, synthesizing a local
// default profile when storage is empty or unreadable.
func NewManager(ctx context.Context, dialer session.Dialer, ps store.ProfileStore, log zerolog.Logger) *Manager {
	m := &Manager{
		dialer: dialer,
		state:  models.ConnDisconnected,
		store:  ps,
		log:    log.With().Str("component", "conn").Logger(),
	}

	profiles, err := ps.Load(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("load profiles failed, starting empty")
		profiles = nil
	}
	if len(profiles) == 0 {
		profiles = []models.Profile{{
			ID:        uuid.New().String(),
			Name:      "Local server",
			Host:      "127.0.0.1",
			Port:      7859,
			IsDefault: true,
		}}
		m.persist(ctx, profiles)
	}
	m.profiles = profiles
	m.enforceSingleDefaultLocked()
	telemetry.ConnectionState.Set(connStateValue(m.state))
	return m
}

// Subscribe registers a callback invoked after every committed mutation.
func (m *Manager) Subscribe(fn func(Snapshot)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Snapshot returns the current observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        m.state,
		ErrorMessage: m.errMsg,
		Profiles:     append([]models.Profile(nil), m.profiles...),
		Catalog:      m.catalog.Clone(),
	}
	if m.active != nil {
		p := *m.active
		snap.ActiveProfile = &p
	}
	return snap
}

// Current returns the live session, or nil when not connected. The queue
// engine borrows it for one generate call at a time.
func (m *Manager) Current() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != models.ConnConnected {
		return nil
	}
	return m.sess
}

// Connect tears down any existing session and dials the given profile. The
// result is reported through the state, never returned.
func (m *Manager) Connect(ctx context.Context, profile models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectLocked(ctx, profile)
	m.notify()
}

func (m *Manager) connectLocked(ctx context.Context, profile models.Profile) {
	if m.sess != nil {
		m.dropSessionLocked()
	}
	m.catalog = models.Catalog{}

	m.state = models.ConnConnecting
	m.errMsg = ""
	p := profile
	m.active = &p
	telemetry.ConnectionState.Set(connStateValue(m.state))

	sess, err := m.dialer.Dial(ctx, profile.Address(), profile.UseTLS)
	if err != nil {
		m.failLocked(fmt.Sprintf("dial %s: %v", profile.Address(), err))
		return
	}
	catalog, err := sess.Probe(ctx)
	if err != nil {
		_ = sess.Close()
		m.failLocked(fmt.Sprintf("probe %s: %v", profile.Address(), err))
		return
	}

	m.sess = sess
	m.catalog = catalog
	m.state = models.ConnConnected
	telemetry.ConnectionState.Set(connStateValue(m.state))
	m.log.Info().Str("profile", profile.Name).Str("addr", profile.Address()).Msg("connected")
}

func (m *Manager) failLocked(reason string) {
	m.state = models.ConnError
	m.errMsg = reason
	m.catalog = models.Catalog{}
	telemetry.ConnectionState.Set(connStateValue(m.state))
	m.log.Warn().Str("reason", reason).Msg("connection failed")
}

// ConnectToDefault dials the profile flagged as default. With no default
// present the state goes straight to error without a dial attempt.
func (m *Manager) ConnectToDefault(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var def *models.Profile
	for i := range m.profiles {
		if m.profiles[i].IsDefault {
			def = &m.profiles[i]
			break
		}
	}
	if def == nil {
		m.failLocked("no default profile")
		m.notify()
		return
	}
	m.connectLocked(ctx, *def)
	m.notify()
}

// Disconnect is idempotent: it drops the session, clears the active profile
// and derived catalog, and settles in disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
	m.notify()
}

func (m *Manager) disconnectLocked() {
	m.dropSessionLocked()
	m.active = nil
	m.state = models.ConnDisconnected
	m.errMsg = ""
	m.catalog = models.Catalog{}
	telemetry.ConnectionState.Set(connStateValue(m.state))
}

func (m *Manager) dropSessionLocked() {
	if m.sess != nil {
		if err := m.sess.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close session")
		}
		m.sess = nil
	}
}

// Reconnect re-dials the remembered active profile; no-op without one.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	profile := *m.active
	m.connectLocked(ctx, profile)
	m.notify()
}

// AddProfile registers a new profile. The first profile ever added becomes
// the default.
func (m *Manager) AddProfile(ctx context.Context, p models.Profile) models.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if len(m.profiles) == 0 {
		p.IsDefault = true
	}
	if p.IsDefault {
		for i := range m.profiles {
			m.profiles[i].IsDefault = false
		}
	}
	m.profiles = append(m.profiles, p)
	m.persist(ctx, m.profiles)
	m.notify()
	return p
}

// UpdateProfile replaces the stored profile with the same ID.
func (m *Manager) UpdateProfile(ctx context.Context, p models.Profile) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.profiles {
		if m.profiles[i].ID != p.ID {
			continue
		}
		if p.IsDefault {
			for j := range m.profiles {
				m.profiles[j].IsDefault = false
			}
		} else if m.profiles[i].IsDefault {
			// Updates may not clear the only default flag.
			p.IsDefault = true
		}
		m.profiles[i] = p
		m.enforceSingleDefaultLocked()
		m.persist(ctx, m.profiles)
		m.notify()
		return true
	}
	return false
}

// DeleteProfile removes a profile. Deleting the active profile forces a
// disconnect first; deleting the default promotes the first remaining
// profile.
func (m *Manager) DeleteProfile(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i := range m.profiles {
		if m.profiles[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	if m.active != nil && m.active.ID == id {
		m.disconnectLocked()
	}

	wasDefault := m.profiles[idx].IsDefault
	m.profiles = append(m.profiles[:idx], m.profiles[idx+1:]...)
	if wasDefault && len(m.profiles) > 0 {
		m.profiles[0].IsDefault = true
	}
	m.persist(ctx, m.profiles)
	m.notify()
	return true
}

// SetDefault flags the given profile as default and clears all others.
func (m *Manager) SetDefault(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for i := range m.profiles {
		if m.profiles[i].ID == id {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for i := range m.profiles {
		m.profiles[i].IsDefault = m.profiles[i].ID == id
	}
	m.persist(ctx, m.profiles)
	m.notify()
	return true
}

// enforceSingleDefaultLocked repairs the at-most-one-default invariant after
// loads or edits.
func (m *Manager) enforceSingleDefaultLocked() {
	seen := false
	for i := range m.profiles {
		if m.profiles[i].IsDefault {
			if seen {
				m.profiles[i].IsDefault = false
			}
			seen = true
		}
	}
	if !seen && len(m.profiles) > 0 {
		m.profiles[0].IsDefault = true
	}
}

// persist writes the profile set. Store failures are logged and swallowed so
// registry mutations never fail on I/O.
func (m *Manager) persist(ctx context.Context, profiles []models.Profile) {
	if err := m.store.Save(ctx, append([]models.Profile(nil), profiles...)); err != nil {
		m.log.Error().Err(err).Msg("persist profiles failed")
	}
}

// notify invokes subscribers with a fresh snapshot. Callers hold the mutex;
// callbacks run on the mutating goroutine and must not call back in.
func (m *Manager) notify() {
	snap := m.snapshotLocked()
	for _, fn := range m.subs {
		fn(snap)
	}
}

func connStateValue(state string) float64 {
	switch state {
	case models.ConnConnecting:
		return 1
	case models.ConnConnected:
		return 2
	case models.ConnError:
		return 3
	default:
		return 0
	}
}
