package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/employee-import/internal/domain"
)

// ErrEmployeeNotFound is returned when no employee matches the lookup.
var ErrEmployeeNotFound = errors.New("employee not found")

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
// Concurrent inserts from parallel jobs surface here; the engine records them
// as duplicate row errors rather than failing the chunk.
const uniqueViolation = "23505"

// EmployeeRepo implements the employee store.
type EmployeeRepo struct{ db *sql.DB }

// NewEmployeeRepo creates a Postgres-backed employee repository.
func NewEmployeeRepo(db *sql.DB) *EmployeeRepo { return &EmployeeRepo{db: db} }

// IsUniqueViolation reports whether err is a unique-constraint break.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const employeeColumns = `
	id, employee_number, first_name, last_name, email,
	department, salary, currency, country_code, start_date,
	created_at, updated_at`

func scanEmployee(row *sql.Row) (*domain.Employee, error) {
	e := &domain.Employee{}
	err := row.Scan(
		&e.ID, &e.EmployeeNumber, &e.FirstName, &e.LastName, &e.Email,
		&e.Department, &e.Salary, &e.Currency, &e.CountryCode, &e.StartDate,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan employee: %w", err)
	}
	return e, nil
}

// FindByNumber looks up an employee by employee_number.
func (r *EmployeeRepo) FindByNumber(ctx context.Context, tx DBTX, number string) (*domain.Employee, error) {
	return scanEmployee(tx.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE employee_number = $1`, number))
}

// FindByEmail looks up an employee by email.
func (r *EmployeeRepo) FindByEmail(ctx context.Context, tx DBTX, email string) (*domain.Employee, error) {
	return scanEmployee(tx.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE email = $1`, email))
}

// InsertTx inserts a new employee inside the chunk transaction. Unique
// violations bubble up so the caller can classify them as duplicates.
func (r *EmployeeRepo) InsertTx(ctx context.Context, tx DBTX, e *domain.Employee) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO employees
			(id, employee_number, first_name, last_name, email,
			 department, salary, currency, country_code, start_date,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, e.ID, e.EmployeeNumber, e.FirstName, e.LastName, e.Email,
		e.Department, e.Salary, e.Currency, e.CountryCode, e.StartDate)
	if err != nil {
		return fmt.Errorf("insert employee: %w", err)
	}
	return nil
}

// UpdateTx overwrites all fields of an existing employee inside the chunk
// transaction (store-duplicate update path).
func (r *EmployeeRepo) UpdateTx(ctx context.Context, tx DBTX, id string, e *domain.Employee) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE employees
		SET employee_number = $2, first_name = $3, last_name = $4, email = $5,
		    department = $6, salary = $7, currency = $8, country_code = $9,
		    start_date = $10, updated_at = NOW()
		WHERE id = $1
	`, id, e.EmployeeNumber, e.FirstName, e.LastName, e.Email,
		e.Department, e.Salary, e.Currency, e.CountryCode, e.StartDate)
	if err != nil {
		return fmt.Errorf("update employee: %w", err)
	}
	return nil
}

// Count returns the number of employees in the store.
func (r *EmployeeRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM employees`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count employees: %w", err)
	}
	return n, nil
}
