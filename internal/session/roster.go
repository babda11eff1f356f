package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Roster holds the coordinator's shared session state: connection records,
// the set of nicknames in use (host included), and the rolling port cursor.
// One mutex guards all three; none of this is hot-path.
type Roster struct {
	mu           sync.Mutex
	hostNickname string
	records      map[string]*Record
	nicknames    map[string]struct{}
	nextPort     int
}

func NewRoster(hostNickname string, basePort int) *Roster {
	return &Roster{
		hostNickname: hostNickname,
		records:      map[string]*Record{},
		nicknames:    map[string]struct{}{hostNickname: {}},
		nextPort:     basePort,
	}
}

func (r *Roster) HostNickname() string {
	return r.hostNickname
}

// Track registers a freshly connected, not yet authenticated viewer.
func (r *Roster) Track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		return
	}
	r.records[id] = &Record{ID: id, ConnectedAt: time.Now()}
}

// ResolveNickname returns the nickname the viewer would be assigned right
// now: the request itself when unused, otherwise the request with the
// smallest unused numeric suffix appended (request_2, request_3, ...).
func (r *Roster) ResolveNickname(requested string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(requested)
}

func (r *Roster) resolveLocked(requested string) string {
	if _, taken := r.nicknames[requested]; !taken {
		return requested
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", requested, n)
		if _, taken := r.nicknames[candidate]; !taken {
			return candidate
		}
	}
}

// Commit promotes a tracked connection to authenticated, claiming the
// given (already resolved) nickname and the stream port in one step. The
// caller serializes resolve-allocate-commit sequences; Commit still refuses
// a nickname that was claimed in between.
func (r *Roster) Commit(id, nickname string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("connection %s is not tracked", id)
	}
	if _, taken := r.nicknames[nickname]; taken {
		return fmt.Errorf("nickname %q is already in use", nickname)
	}

	rec.Nickname = nickname
	rec.StreamPort = port
	rec.Authenticated = true
	r.nicknames[nickname] = struct{}{}
	return nil
}

// Release drops the record and frees its nickname. The removed record is
// returned so the caller can tear down the viewer's relay and port.
func (r *Roster) Release(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	delete(r.records, id)
	if rec.Nickname != "" {
		delete(r.nicknames, rec.Nickname)
	}
	return *rec, true
}

func (r *Roster) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Members lists the host followed by all authenticated viewers in join
// order.
func (r *Roster) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewers := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Authenticated {
			viewers = append(viewers, rec)
		}
	}
	sort.Slice(viewers, func(i, j int) bool {
		if viewers[i].ConnectedAt.Equal(viewers[j].ConnectedAt) {
			return viewers[i].Nickname < viewers[j].Nickname
		}
		return viewers[i].ConnectedAt.Before(viewers[j].ConnectedAt)
	})

	members := make([]Member, 0, len(viewers)+1)
	members = append(members, Member{Nickname: r.hostNickname, Role: RoleSender})
	for _, rec := range viewers {
		members = append(members, Member{Nickname: rec.Nickname, Role: RoleReceiver})
	}
	return members
}

// Nicknames returns the full in-use set, host included.
func (r *Roster) Nicknames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.nicknames))
	for n := range r.nicknames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PortCursor is the next candidate port to probe for allocation.
func (r *Roster) PortCursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextPort
}

// AdvanceCursor moves the cursor past an allocated port. The cursor never
// moves backwards, so already-claimed ports are not re-probed within the
// session lifetime.
func (r *Roster) AdvanceCursor(allocated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if allocated >= r.nextPort {
		r.nextPort = allocated + 1
	}
}
