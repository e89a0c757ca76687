package models

import "github.com/google/uuid"

// LabelGroup is a functional group that labels belong to.
type LabelGroup struct {
	ID   uuid.UUID `db:"id"   json:"id"`
	Name string    `db:"name" json:"name"`
	Code string    `db:"code" json:"code"`
}

// Label is a global label definition.
type Label struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Name        string    `db:"name"         json:"name"`
	DefaultCode string    `db:"default_code" json:"default_code"`
	GroupID     uuid.UUID `db:"group_id"     json:"group_id"`
}

// LocalLabel is a label's entry in one source's labelset, with the
// source-specific short code.
type LocalLabel struct {
	SourceID uuid.UUID `db:"source_id" json:"source_id"`
	LabelID  uuid.UUID `db:"label_id"  json:"label_id"`
	Code     string    `db:"code"      json:"code"`
}

// SourceLabel joins a labelset entry with its global label and group.
type SourceLabel struct {
	LabelID   uuid.UUID `json:"label_id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	GroupName string    `json:"group_name"`
}
