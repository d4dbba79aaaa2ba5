package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JhayceeCodes/nams-voting-platform/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a single transaction; any error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, account model.Account) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO accounts (id, matric_no, email, full_name, password_hash, role, created_at, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
  `, account.ID, account.MatricNo, account.Email, account.FullName, account.PasswordHash, account.Role, account.CreatedAt, account.UpdatedAt)
	return err
}

func (s *Store) GetAccountByID(ctx context.Context, accountID string) (model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `
    SELECT id, matric_no, email, full_name, password_hash, role, created_at, updated_at
    FROM accounts
    WHERE id = $1
  `, accountID))
}

func (s *Store) GetAccountByMatric(ctx context.Context, matricNo string) (model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `
    SELECT id, matric_no, email, full_name, password_hash, role, created_at, updated_at
    FROM accounts
    WHERE matric_no = $1
  `, matricNo))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (model.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx, `
    SELECT id, matric_no, email, full_name, password_hash, role, created_at, updated_at
    FROM accounts
    WHERE email = $1
  `, email))
}

func (s *Store) scanAccount(row pgx.Row) (model.Account, error) {
	var account model.Account
	err := row.Scan(
		&account.ID,
		&account.MatricNo,
		&account.Email,
		&account.FullName,
		&account.PasswordHash,
		&account.Role,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	return account, err
}

// --- refresh sessions ---

func (s *Store) CreateRefreshSession(ctx context.Context, session model.RefreshSession) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO refresh_sessions (id, account_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
  `, session.ID, session.AccountID, session.TokenHash, session.CreatedAt, session.ExpiresAt, session.RevokedAt, session.UserAgent, session.IPAddress)
	return err
}

func (s *Store) GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var session model.RefreshSession
	row := s.pool.QueryRow(ctx, `
    SELECT id, account_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address
    FROM refresh_sessions
    WHERE token_hash = $1
  `, tokenHash)
	err := row.Scan(&session.ID, &session.AccountID, &session.TokenHash, &session.CreatedAt, &session.ExpiresAt, &session.RevokedAt, &session.UserAgent, &session.IPAddress)
	return session, err
}

func (s *Store) RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE refresh_sessions SET revoked_at = $1 WHERE id = $2`, revokedAt, sessionID)
	return err
}

// --- elections ---

// CreateElection inserts the whole tree parent-to-child in one transaction so
// foreign keys are valid at every step and a failed child insert leaves no
// partial election behind.
func (s *Store) CreateElection(ctx context.Context, input model.ElectionInput) (model.ElectionTree, error) {
	now := time.Now().UTC()
	tree := model.ElectionTree{
		Election: model.Election{
			ID:          uuid.NewString(),
			Title:       input.Title,
			Description: input.Description,
			StartDate:   input.StartDate,
			EndDate:     input.EndDate,
			CreatedAt:   now,
		},
		Positions: []model.PositionTree{},
	}

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
      INSERT INTO elections (id, title, description, start_date, end_date, created_at)
      VALUES ($1, $2, $3, $4, $5, $6)
    `, tree.ID, tree.Title, tree.Description, tree.StartDate, tree.EndDate, tree.CreatedAt); err != nil {
			return err
		}

		for _, positionInput := range input.Positions {
			position := model.Position{
				ID:         uuid.NewString(),
				ElectionID: tree.ID,
				Name:       positionInput.Name,
			}
			if _, err := tx.Exec(ctx, `
        INSERT INTO positions (id, election_id, name)
        VALUES ($1, $2, $3)
      `, position.ID, position.ElectionID, position.Name); err != nil {
				return err
			}

			positionTree := model.PositionTree{Position: position, Candidates: []model.Candidate{}}
			for _, candidateInput := range positionInput.Candidates {
				candidate := model.Candidate{
					ID:         uuid.NewString(),
					ElectionID: tree.ID,
					PositionID: position.ID,
					Name:       candidateInput.Name,
					ImageURL:   candidateInput.ImageURL,
				}
				if _, err := tx.Exec(ctx, `
          INSERT INTO candidates (id, election_id, position_id, name, image_url)
          VALUES ($1, $2, $3, $4, $5)
        `, candidate.ID, candidate.ElectionID, candidate.PositionID, candidate.Name, candidate.ImageURL); err != nil {
					return err
				}
				positionTree.Candidates = append(positionTree.Candidates, candidate)
			}
			tree.Positions = append(tree.Positions, positionTree)
		}
		return nil
	})
	if err != nil {
		return model.ElectionTree{}, err
	}
	return tree, nil
}

func (s *Store) GetElection(ctx context.Context, electionID string) (model.Election, error) {
	var election model.Election
	row := s.pool.QueryRow(ctx, `
    SELECT id, title, description, start_date, end_date, created_at
    FROM elections
    WHERE id = $1
  `, electionID)
	err := row.Scan(&election.ID, &election.Title, &election.Description, &election.StartDate, &election.EndDate, &election.CreatedAt)
	return election, err
}

func (s *Store) GetElectionTree(ctx context.Context, electionID string) (model.ElectionTree, error) {
	election, err := s.GetElection(ctx, electionID)
	if err != nil {
		return model.ElectionTree{}, err
	}
	tree := model.ElectionTree{Election: election, Positions: []model.PositionTree{}}

	positions, err := s.ListPositions(ctx, electionID)
	if err != nil {
		return model.ElectionTree{}, err
	}
	candidates, err := s.ListCandidates(ctx, electionID, "")
	if err != nil {
		return model.ElectionTree{}, err
	}

	byPosition := make(map[string][]model.Candidate, len(positions))
	for _, candidate := range candidates {
		byPosition[candidate.PositionID] = append(byPosition[candidate.PositionID], candidate)
	}
	for _, position := range positions {
		children := byPosition[position.ID]
		if children == nil {
			children = []model.Candidate{}
		}
		tree.Positions = append(tree.Positions, model.PositionTree{Position: position, Candidates: children})
	}
	return tree, nil
}

func (s *Store) ListElections(ctx context.Context) ([]model.ElectionTree, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT id, title, description, start_date, end_date, created_at
    FROM elections
    ORDER BY created_at
  `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trees := []model.ElectionTree{}
	for rows.Next() {
		var election model.Election
		if err := rows.Scan(&election.ID, &election.Title, &election.Description, &election.StartDate, &election.EndDate, &election.CreatedAt); err != nil {
			return nil, err
		}
		trees = append(trees, model.ElectionTree{Election: election, Positions: []model.PositionTree{}})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	positions, err := s.ListPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	candidates, err := s.ListCandidates(ctx, "", "")
	if err != nil {
		return nil, err
	}

	candidatesByPosition := make(map[string][]model.Candidate)
	for _, candidate := range candidates {
		candidatesByPosition[candidate.PositionID] = append(candidatesByPosition[candidate.PositionID], candidate)
	}
	positionsByElection := make(map[string][]model.PositionTree)
	for _, position := range positions {
		children := candidatesByPosition[position.ID]
		if children == nil {
			children = []model.Candidate{}
		}
		positionsByElection[position.ElectionID] = append(positionsByElection[position.ElectionID], model.PositionTree{
			Position:   position,
			Candidates: children,
		})
	}
	for i := range trees {
		if children := positionsByElection[trees[i].ID]; children != nil {
			trees[i].Positions = children
		}
	}
	return trees, nil
}

type ElectionPatch struct {
	Title       *string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
}

func (s *Store) UpdateElection(ctx context.Context, electionID string, patch ElectionPatch) (model.Election, error) {
	var election model.Election
	row := s.pool.QueryRow(ctx, `
    UPDATE elections
    SET title       = COALESCE($2, title),
        description = COALESCE($3, description),
        start_date  = COALESCE($4, start_date),
        end_date    = COALESCE($5, end_date)
    WHERE id = $1
    RETURNING id, title, description, start_date, end_date, created_at
  `, electionID, patch.Title, patch.Description, patch.StartDate, patch.EndDate)
	err := row.Scan(&election.ID, &election.Title, &election.Description, &election.StartDate, &election.EndDate, &election.CreatedAt)
	return election, err
}

// DeleteElection removes the election and, through the FK cascade chain, its
// positions, candidates and recorded votes.
func (s *Store) DeleteElection(ctx context.Context, electionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM elections WHERE id = $1`, electionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- positions ---

func (s *Store) CreatePosition(ctx context.Context, position model.Position) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO positions (id, election_id, name)
    VALUES ($1, $2, $3)
  `, position.ID, position.ElectionID, position.Name)
	return err
}

func (s *Store) GetPosition(ctx context.Context, positionID string) (model.Position, error) {
	var position model.Position
	row := s.pool.QueryRow(ctx, `
    SELECT id, election_id, name
    FROM positions
    WHERE id = $1
  `, positionID)
	err := row.Scan(&position.ID, &position.ElectionID, &position.Name)
	return position, err
}

// ListPositions returns every position, narrowed to one election when
// electionID is non-empty.
func (s *Store) ListPositions(ctx context.Context, electionID string) ([]model.Position, error) {
	query := `SELECT id, election_id, name FROM positions ORDER BY name`
	args := []interface{}{}
	if electionID != "" {
		query = `SELECT id, election_id, name FROM positions WHERE election_id = $1 ORDER BY name`
		args = append(args, electionID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var position model.Position
		if err := rows.Scan(&position.ID, &position.ElectionID, &position.Name); err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	return positions, rows.Err()
}

type PositionPatch struct {
	Name *string
}

func (s *Store) UpdatePosition(ctx context.Context, positionID string, patch PositionPatch) (model.Position, error) {
	var position model.Position
	row := s.pool.QueryRow(ctx, `
    UPDATE positions
    SET name = COALESCE($2, name)
    WHERE id = $1
    RETURNING id, election_id, name
  `, positionID, patch.Name)
	err := row.Scan(&position.ID, &position.ElectionID, &position.Name)
	return position, err
}

func (s *Store) DeletePosition(ctx context.Context, positionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, positionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- candidates ---

func (s *Store) CreateCandidate(ctx context.Context, candidate model.Candidate) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO candidates (id, election_id, position_id, name, image_url)
    VALUES ($1, $2, $3, $4, $5)
  `, candidate.ID, candidate.ElectionID, candidate.PositionID, candidate.Name, candidate.ImageURL)
	return err
}

func (s *Store) GetCandidate(ctx context.Context, candidateID string) (model.Candidate, error) {
	var candidate model.Candidate
	row := s.pool.QueryRow(ctx, `
    SELECT id, election_id, position_id, name, image_url
    FROM candidates
    WHERE id = $1
  `, candidateID)
	err := row.Scan(&candidate.ID, &candidate.ElectionID, &candidate.PositionID, &candidate.Name, &candidate.ImageURL)
	return candidate, err
}

func (s *Store) ListCandidates(ctx context.Context, electionID, positionID string) ([]model.Candidate, error) {
	query := `SELECT id, election_id, position_id, name, image_url FROM candidates`
	args := []interface{}{}
	switch {
	case positionID != "":
		query += ` WHERE position_id = $1`
		args = append(args, positionID)
	case electionID != "":
		query += ` WHERE election_id = $1`
		args = append(args, electionID)
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := []model.Candidate{}
	for rows.Next() {
		var candidate model.Candidate
		if err := rows.Scan(&candidate.ID, &candidate.ElectionID, &candidate.PositionID, &candidate.Name, &candidate.ImageURL); err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}

type CandidatePatch struct {
	Name     *string
	ImageURL *string
	// PositionID reparents the candidate; the caller must re-derive and pass
	// the owning election so the denormalized column stays consistent.
	PositionID *string
	ElectionID *string
}

func (s *Store) UpdateCandidate(ctx context.Context, candidateID string, patch CandidatePatch) (model.Candidate, error) {
	var candidate model.Candidate
	row := s.pool.QueryRow(ctx, `
    UPDATE candidates
    SET name        = COALESCE($2, name),
        image_url   = COALESCE($3, image_url),
        position_id = COALESCE($4, position_id),
        election_id = COALESCE($5, election_id)
    WHERE id = $1
    RETURNING id, election_id, position_id, name, image_url
  `, candidateID, patch.Name, patch.ImageURL, patch.PositionID, patch.ElectionID)
	err := row.Scan(&candidate.ID, &candidate.ElectionID, &candidate.PositionID, &candidate.Name, &candidate.ImageURL)
	return candidate, err
}

func (s *Store) DeleteCandidate(ctx context.Context, candidateID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM candidates WHERE id = $1`, candidateID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- votes ---

// InsertVote is a single atomic insert; the unique constraint on
// (election_id, position_id, voter_id) closes the duplicate race, and the
// caller translates the resulting unique violation.
func (s *Store) InsertVote(ctx context.Context, vote model.Vote) error {
	_, err := s.pool.Exec(ctx, `
    INSERT INTO votes (id, election_id, position_id, candidate_id, voter_id, cast_at)
    VALUES ($1, $2, $3, $4, $5, $6)
  `, vote.ID, vote.ElectionID, vote.PositionID, vote.CandidateID, vote.VoterID, vote.CastAt)
	return err
}

// VoteRecord is the audit read model: a ballot joined with the voter's matric
// number so the superuser view does not expose bare account ids.
type VoteRecord struct {
	model.Vote
	VoterMatric *string
}

func (s *Store) GetVote(ctx context.Context, voteID string) (VoteRecord, error) {
	var record VoteRecord
	row := s.pool.QueryRow(ctx, `
    SELECT v.id, v.election_id, v.position_id, v.candidate_id, v.voter_id, v.cast_at, a.matric_no
    FROM votes v
    JOIN accounts a ON a.id = v.voter_id
    WHERE v.id = $1
  `, voteID)
	err := row.Scan(&record.ID, &record.ElectionID, &record.PositionID, &record.CandidateID, &record.VoterID, &record.CastAt, &record.VoterMatric)
	return record, err
}

func (s *Store) ListVotes(ctx context.Context) ([]VoteRecord, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT v.id, v.election_id, v.position_id, v.candidate_id, v.voter_id, v.cast_at, a.matric_no
    FROM votes v
    JOIN accounts a ON a.id = v.voter_id
    ORDER BY v.cast_at
  `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []VoteRecord{}
	for rows.Next() {
		var record VoteRecord
		if err := rows.Scan(&record.ID, &record.ElectionID, &record.PositionID, &record.CandidateID, &record.VoterID, &record.CastAt, &record.VoterMatric); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// HasVoted reports whether the voter has any recorded ballot, narrowed to one
// election when electionID is non-empty. Only the given voter's rows are read.
func (s *Store) HasVoted(ctx context.Context, voterID, electionID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM votes WHERE voter_id = $1)`
	args := []interface{}{voterID}
	if electionID != "" {
		query = `SELECT EXISTS (SELECT 1 FROM votes WHERE voter_id = $1 AND election_id = $2)`
		args = append(args, electionID)
	}
	var voted bool
	err := s.pool.QueryRow(ctx, query, args...).Scan(&voted)
	return voted, err
}
