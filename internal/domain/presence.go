package domain

import "time"

// Cursor is a caret position in the document.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection carries opaque CRDT relative positions for a range. The hub never
// interprets them; they survive remote edits on the client side.
type Selection struct {
	Anchor string `json:"anchor"`
	Head   string `json:"head"`
}

// Presence is the transient per-principal state inside a room. It is never
// persisted.
type Presence struct {
	PrincipalID  string     `json:"principal_id"`
	DisplayName  string     `json:"display_name"`
	ColorToken   string     `json:"color"`
	Role         Role       `json:"role"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	Typing       bool       `json:"typing"`
	TypingSince  time.Time  `json:"-"`
	LastActivity time.Time  `json:"-"`
}
