// Package rooms tracks which users belong to which document, deal and
// organization rooms, with a reverse index for cleanup on disconnect.
package rooms

import "sort"

// Kind is the scope of a room
type Kind string

const (
	KindDocument     Kind = "document"
	KindDeal         Kind = "deal"
	KindOrganization Kind = "organization"
)

// Kinds lists every room kind in a stable order
var Kinds = []Kind{KindDocument, KindDeal, KindOrganization}

// Room identifies one room
type Room struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Registry maps rooms to members and members to rooms.
//
// It is not safe for concurrent use; the connection manager owns it and
// guards it with its own lock.
type Registry struct {
	members map[Room]map[string]struct{}
	byUser  map[string]map[Room]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[Room]map[string]struct{}),
		byUser:  make(map[string]map[Room]struct{}),
	}
}

// Join adds userID to room and reports whether membership changed
func (r *Registry) Join(room Room, userID string) bool {
	set, ok := r.members[room]
	if !ok {
		set = make(map[string]struct{})
		r.members[room] = set
	}
	if _, exists := set[userID]; exists {
		return false
	}
	set[userID] = struct{}{}

	joined, ok := r.byUser[userID]
	if !ok {
		joined = make(map[Room]struct{})
		r.byUser[userID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes userID from room and reports whether membership changed.
// Empty rooms are deleted.
func (r *Registry) Leave(room Room, userID string) bool {
	set, ok := r.members[room]
	if !ok {
		return false
	}
	if _, exists := set[userID]; !exists {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r.members, room)
	}

	if joined, ok := r.byUser[userID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byUser, userID)
		}
	}
	return true
}

// RemoveUser takes userID out of every room and returns the rooms it left
func (r *Registry) RemoveUser(userID string) []Room {
	joined, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	left := make([]Room, 0, len(joined))
	for room := range joined {
		left = append(left, room)
		if set, ok := r.members[room]; ok {
			delete(set, userID)
			if len(set) == 0 {
				delete(r.members, room)
			}
		}
	}
	delete(r.byUser, userID)
	sortRooms(left)
	return left
}

// Members returns a snapshot of the room's members, sorted
func (r *Registry) Members(room Room) []string {
	set := r.members[room]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether userID is in room
func (r *Registry) IsMember(room Room, userID string) bool {
	_, ok := r.members[room][userID]
	return ok
}

// RoomsOf returns the rooms userID belongs to, sorted by kind then id
func (r *Registry) RoomsOf(userID string) []Room {
	joined := r.byUser[userID]
	out := make([]Room, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	sortRooms(out)
	return out
}

// Counts returns the number of non-empty rooms per kind
func (r *Registry) Counts() map[Kind]int {
	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		counts[k] = 0
	}
	for room := range r.members {
		counts[room.Kind]++
	}
	return counts
}

// Sizes returns the member count of every room of one kind, keyed by room id
func (r *Registry) Sizes(kind Kind) map[string]int {
	sizes := make(map[string]int)
	for room, set := range r.members {
		if room.Kind == kind {
			sizes[room.ID] = len(set)
		}
	}
	return sizes
}

func sortRooms(rs []Room) {
	order := map[Kind]int{KindDocument: 0, KindDeal: 1, KindOrganization: 2}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Kind != rs[j].Kind {
			return order[rs[i].Kind] < order[rs[j].Kind]
		}
		return rs[i].ID < rs[j].ID
	})
}

// Document returns the room of a document
func Document(id string) Room { return Room{Kind: KindDocument, ID: id} }

// Deal returns the room of a deal
func Deal(id string) Room { return Room{Kind: KindDeal, ID: id} }

// Organization returns the room of an organization
func Organization(id string) Room { return Room{Kind: KindOrganization, ID: id} }
