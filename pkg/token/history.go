package token

import (
	"slices"
	"time"
)

// Action classifies a lifecycle event recorded in the token change
// history.
type Action string

// History actions.
const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionRevoke Action = "revoke"
	ActionExpire Action = "expire"
)

// Valid reports whether a is a known history action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionEdit, ActionRevoke, ActionExpire:
		return true
	default:
		return false
	}
}

// Change is a snapshot of the mutable token fields, used for the before
// and after sides of a history entry.
type Change struct {
	TokenName string     `json:"token_name,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
}

// ChangeFrom captures the mutable fields of a token record.
func ChangeFrom(d *Data) *Change {
	c := &Change{
		TokenName: d.TokenName,
		Scopes:    slices.Clone(d.Scopes),
	}
	if d.Expires != nil {
		expires := *d.Expires
		c.Expires = &expires
	}
	return c
}

// HistoryEntry records one lifecycle event for a token. Old and New carry
// the mutable fields before and after the event; creates have only New,
// revocations only Old.
type HistoryEntry struct {
	TokenKey  string    `json:"token"`
	Username  string    `json:"username"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	IP        string    `json:"ip_address,omitempty"`
	EventTime time.Time `json:"event_time"`
	Old       *Change   `json:"old,omitempty"`
	New       *Change   `json:"new,omitempty"`
}
