package repository

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JhayceeCodes/nams-voting-platform/internal/db"
	"github.com/JhayceeCodes/nams-voting-platform/internal/model"
)

// Rows created here use fresh uuids and are never truncated, so these tests
// can share a database with the HTTP suite.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("VOTING_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("VOTING_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(context.Background(), stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return pool
}

// A failed child insert must leave no trace of the parent: the whole nested
// tree commits or none of it does.
func TestWithTxRollsBackOnChildFailure(t *testing.T) {
	pool := openTestDB(t)
	defer pool.Close()
	store := NewStore(pool)
	ctx := context.Background()

	electionID := uuid.NewString()
	now := time.Now().UTC()
	err := store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
      INSERT INTO elections (id, title, description, start_date, end_date, created_at)
      VALUES ($1, $2, $3, $4, $5, $6)
    `, electionID, "Doomed Election", "", now, now.Add(24*time.Hour), now); err != nil {
			return err
		}
		// Points at an election that does not exist, so the FK rejects it.
		_, err := tx.Exec(ctx, `
      INSERT INTO positions (id, election_id, name)
      VALUES ($1, $2, $3)
    `, uuid.NewString(), uuid.NewString(), "Orphan Position")
		return err
	})
	if err == nil {
		t.Fatal("expected child insert to fail")
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM elections WHERE id = $1`, electionID).Scan(&count); err != nil {
		t.Fatalf("count elections: %v", err)
	}
	if count != 0 {
		t.Fatalf("election row survived the rollback, count = %d", count)
	}
}

func TestCreateElectionPersistsTree(t *testing.T) {
	pool := openTestDB(t)
	defer pool.Close()
	store := NewStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	created, err := store.CreateElection(ctx, model.ElectionInput{
		Title:     "Faculty Board " + uuid.NewString(),
		StartDate: now,
		EndDate:   now.Add(48 * time.Hour),
		Positions: []model.PositionInput{
			{
				Name: "Chair",
				Candidates: []model.CandidateInput{
					{Name: "Candidate One"},
					{Name: "Candidate Two"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("create election: %v", err)
	}

	tree, err := store.GetElectionTree(ctx, created.ID)
	if err != nil {
		t.Fatalf("get election tree: %v", err)
	}
	if tree.Title != created.Title {
		t.Fatalf("title = %q, want %q", tree.Title, created.Title)
	}
	if len(tree.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(tree.Positions))
	}
	if tree.Positions[0].Name != "Chair" {
		t.Fatalf("position name = %q, want Chair", tree.Positions[0].Name)
	}
	if len(tree.Positions[0].Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(tree.Positions[0].Candidates))
	}
	for _, candidate := range tree.Positions[0].Candidates {
		if candidate.ElectionID != created.ID {
			t.Fatalf("candidate election = %q, want %q", candidate.ElectionID, created.ID)
		}
		if candidate.PositionID != tree.Positions[0].ID {
			t.Fatalf("candidate position = %q, want %q", candidate.PositionID, tree.Positions[0].ID)
		}
	}
}
