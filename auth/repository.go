package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrOperatorNotFound signals that no operator matches.
	ErrOperatorNotFound = errors.New("auth: operator not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository stores operators.
type Repository interface {
	CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error)
	GetOperatorByEmail(ctx context.Context, email string) (Operator, error)
	GetOperatorByID(ctx context.Context, id string) (Operator, error)
}

// CreateOperatorParams contains write parameters for new operators.
type CreateOperatorParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

const operatorColumns = `id, email, full_name, password_hash, role, created_at, updated_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed operator repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateOperator inserts an operator. Emails are stored lower-cased.
func (r *PGRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	insertSQL := `
		INSERT INTO operators (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + operatorColumns

	op, err := scanOperator(r.pool.QueryRow(ctx, insertSQL,
		strings.ToLower(params.Email), params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Operator{}, ErrDuplicateEmail
		}
		return Operator{}, fmt.Errorf("auth: create operator: %w", err)
	}
	return op, nil
}

// GetOperatorByEmail retrieves an operator by email address.
func (r *PGRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	selectSQL := `SELECT ` + operatorColumns + ` FROM operators WHERE email = $1`

	op, err := scanOperator(r.pool.QueryRow(ctx, selectSQL, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("auth: get operator by email: %w", err)
	}
	return op, nil
}

// GetOperatorByID retrieves an operator by id.
func (r *PGRepository) GetOperatorByID(ctx context.Context, id string) (Operator, error) {
	selectSQL := `SELECT ` + operatorColumns + ` FROM operators WHERE id::text = $1`

	op, err := scanOperator(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("auth: get operator by id: %w", err)
	}
	return op, nil
}

func scanOperator(row pgx.Row) (Operator, error) {
	var op Operator
	err := row.Scan(
		&op.ID,
		&op.Email,
		&op.FullName,
		&op.PasswordHash,
		&op.Role,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	return op, err
}
