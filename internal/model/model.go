package model

import "time"

// Role is a closed set: voters cast ballots, admins manage the catalog,
// superusers additionally audit the ledger. An account holds exactly one role.
type Role string

const (
	RoleVoter     Role = "voter"
	RoleAdmin     Role = "admin"
	RoleSuperuser Role = "superuser"
)

type Account struct {
	ID           string
	MatricNo     *string
	Email        *string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshSession struct {
	ID        string
	AccountID string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	UserAgent *string
	IPAddress *string
}

type Election struct {
	ID          string
	Title       string
	Description string
	StartDate   time.Time
	EndDate     time.Time
	CreatedAt   time.Time
}

type Position struct {
	ID         string
	ElectionID string
	Name       string
}

// Candidate carries its election id redundantly so ledger checks and catalog
// queries never need a join through positions. The server derives it from the
// referenced position; it is never taken from a client payload.
type Candidate struct {
	ID         string
	ElectionID string
	PositionID string
	Name       string
	ImageURL   *string
}

// Vote is an append-only ledger entry. At most one row may exist per
// (election, position, voter); the database enforces this.
type Vote struct {
	ID          string
	ElectionID  string
	PositionID  string
	CandidateID string
	VoterID     string
	CastAt      time.Time
}

// ElectionTree and PositionTree are read models for the nested catalog shape.
type ElectionTree struct {
	Election
	Positions []PositionTree
}

type PositionTree struct {
	Position
	Candidates []Candidate
}

// ElectionInput is the tree-shaped payload for the transactional nested create:
// an election, optionally with positions, each optionally with candidates.
type ElectionInput struct {
	Title       string
	Description string
	StartDate   time.Time
	EndDate     time.Time
	Positions   []PositionInput
}

type PositionInput struct {
	Name       string
	Candidates []CandidateInput
}

type CandidateInput struct {
	Name     string
	ImageURL *string
}
