package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"storefront/internal/domain"
	"storefront/internal/observability"
	"storefront/internal/util"
)

// Registry tracks one presence record per identity. Records are kept after
// disconnect so conversation history stays attributable.
type Registry struct {
	out Deliverer
	now func() time.Time

	mu      sync.Mutex
	records map[string]*domain.Presence
	handles map[string]string
}

func NewRegistry(out Deliverer) *Registry {
	return &Registry{
		out:     out,
		now:     util.NowUTC,
		records: map[string]*domain.Presence{},
		handles: map[string]string{},
	}
}

type notice struct {
	handle string
	event  string
	data   any
}

// Connect upserts the record for identity and attaches handle, replacing
// any previous handle. The online admin is told about visibility changes;
// an admin that connects receives the full presence list.
func (r *Registry) Connect(identity, displayName string, isAdmin bool, handle string) domain.Presence {
	now := r.now()

	r.mu.Lock()
	rec, ok := r.records[identity]
	if !ok {
		rec = &domain.Presence{Identity: identity}
		r.records[identity] = rec
	}
	wasOnline := rec.Online
	if rec.Handle != "" && rec.Handle != handle {
		delete(r.handles, rec.Handle)
	}
	rec.DisplayName = displayName
	rec.IsAdmin = isAdmin
	rec.Online = true
	rec.Handle = handle
	rec.ConnectedAt = now
	rec.LastSeen = now
	r.handles[handle] = identity
	snapshot := *rec

	var notices []notice
	if isAdmin {
		notices = append(notices, notice{handle: handle, event: EventPresenceList, data: r.snapshotLocked()})
	} else if !wasOnline {
		if admin, ok := r.onlineAdminLocked(); ok {
			notices = append(notices, notice{handle: admin.Handle, event: EventPresenceChanged, data: changed(snapshot)})
		}
	}
	r.setGaugeLocked()
	r.mu.Unlock()

	slog.Info("chat connect", "identity", identity, "is_admin", isAdmin, "handle", handle, "reconnect", wasOnline)
	r.send(notices)
	return snapshot
}

// Disconnect marks offline the record currently attached to handle. A
// handle that was superseded by a newer connect is ignored.
func (r *Registry) Disconnect(handle string) (domain.Presence, bool) {
	r.mu.Lock()
	identity, ok := r.handles[handle]
	if !ok {
		r.mu.Unlock()
		return domain.Presence{}, false
	}
	delete(r.handles, handle)
	rec := r.records[identity]
	if rec == nil || rec.Handle != handle {
		r.mu.Unlock()
		return domain.Presence{}, false
	}
	rec.Online = false
	rec.Handle = ""
	rec.LastSeen = r.now()
	snapshot := *rec

	var notices []notice
	if !rec.IsAdmin {
		if admin, ok := r.onlineAdminLocked(); ok {
			notices = append(notices, notice{handle: admin.Handle, event: EventPresenceChanged, data: changed(snapshot)})
		}
	}
	r.setGaugeLocked()
	r.mu.Unlock()

	slog.Info("chat disconnect", "identity", identity, "handle", handle)
	r.send(notices)
	return snapshot, true
}

// FindOnlineAdmin returns the online admin. If more than one is online the
// most recently connected wins.
func (r *Registry) FindOnlineAdmin() (domain.Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineAdminLocked()
}

func (r *Registry) Lookup(identity string) (domain.Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[identity]
	if !ok {
		return domain.Presence{}, false
	}
	return *rec, true
}

// Snapshot returns every known record sorted by identity.
func (r *Registry) Snapshot() []domain.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) onlineAdminLocked() (domain.Presence, bool) {
	var best *domain.Presence
	for _, rec := range r.records {
		if !rec.IsAdmin || !rec.Online {
			continue
		}
		if best == nil || rec.ConnectedAt.After(best.ConnectedAt) {
			best = rec
		}
	}
	if best == nil {
		return domain.Presence{}, false
	}
	return *best, true
}

func (r *Registry) snapshotLocked() []domain.Presence {
	out := make([]domain.Presence, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (r *Registry) setGaugeLocked() {
	n := 0
	for _, rec := range r.records {
		if rec.Online {
			n++
		}
	}
	observability.ChatOnline.Set(float64(n))
}

func (r *Registry) send(notices []notice) {
	if r.out == nil {
		return
	}
	for _, n := range notices {
		r.out.Deliver(n.handle, n.event, n.data)
	}
}

func changed(p domain.Presence) PresenceChanged {
	return PresenceChanged{Identity: p.Identity, DisplayName: p.DisplayName, IsAdmin: p.IsAdmin, Online: p.Online}
}
