package history

import (
	"context"
	"database/sql"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// TurnSource retrieves stored turns of a profile.
type TurnSource interface {
	RecentTurns(ctx context.Context, profileID int64, f db.TurnFilter) ([]db.Turn, error)
}

// SQLiteSource reads turns from the relay database.
type SQLiteSource struct {
	DB *sql.DB
}

// RecentTurns returns the newest turns matching f, oldest first.
func (s *SQLiteSource) RecentTurns(ctx context.Context, profileID int64, f db.TurnFilter) ([]db.Turn, error) {
	return db.RecentTurns(ctx, s.DB, profileID, f)
}
