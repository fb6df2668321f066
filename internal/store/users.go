package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/chronicle/internal/domain"
)

// UserDirectory is the read-only view over users that the materialiser
// and processor need. It never mutates user records — user lifecycle
// management lives outside this engine.
type UserDirectory interface {
	ListActive(ctx context.Context) ([]*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, first_name, last_name, email, anchor_date, timezone, active
		FROM users WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active users rows: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, anchor_date, timezone, active
		FROM users WHERE id = $1
	`, id)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.AnchorDate, &u.Timezone, &u.Active); err != nil {
		return nil, err
	}
	return &u, nil
}
