// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/oshodiev/broker-ledger/internal/exchange"
	"github.com/oshodiev/broker-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
)

// DuplicateAccrualError возвращается при повторном начислении за один и тот же
// кортеж (работник, задача, этап). Это нарушение целостности на стороне
// вызывающего, а не повод для тихого слияния записей.
type DuplicateAccrualError struct {
	WorkerID  int64
	TaskID    int64
	StageName string
}

func (e *DuplicateAccrualError) Error() string {
	return fmt.Sprintf("accrual already recorded for worker %d, task %d, stage %q",
		e.WorkerID, e.TaskID, e.StageName)
}

// OverpaymentError возвращается, когда запрошенная выплата превышает заработанное.
// Выплата отклоняется целиком, частичное проведение не выполняется.
type OverpaymentError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment %s USD exceeds available balance %s USD",
		e.Requested, e.Available)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Serialization Failure и Deadlock имеет смысл повторить
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, name string, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, name, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		login, passwordHash, name, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, name, role, active, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Name, &role, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, name, role, active, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Name, &role, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateAccrual сохраняет запись о начислении. Повторная вставка по кортежу
// (работник, задача, этап) возвращает DuplicateAccrualError.
func (r *PostgresRepository) CreateAccrual(ctx context.Context, a *model.AccrualRecord) (*model.AccrualRecord, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO accruals (worker_id, task_id, stage_name, currency, amount, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		a.WorkerID, a.TaskID, a.StageName, string(a.Currency), a.Amount, a.OccurredAt,
	)

	created := *a
	if err := row.Scan(&created.ID, &created.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return nil, &DuplicateAccrualError{
					WorkerID:  a.WorkerID,
					TaskID:    a.TaskID,
					StageName: a.StageName,
				}
			case pgerrcode.ForeignKeyViolation:
				return nil, ErrUserNotFound
			}
		}
		return nil, fmt.Errorf("insert accrual: %w", err)
	}

	return &created, nil
}

// SumAccruals возвращает сумму начислений работника в USD в пределах окна.
// Начисления в других валютах — исторические и в баланс не входят.
func (r *PostgresRepository) SumAccruals(ctx context.Context, workerID int64, rng model.DateRange) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM accruals
		 WHERE worker_id = $1 AND currency = $2
		   AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		   AND ($4::timestamptz IS NULL OR occurred_at <= $4)`,
		workerID, string(model.CurrencyUSD), rng.From, rng.To,
	).Scan(&total)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sum accruals: %w", err)
	}
	return total, nil
}

// SumPayments возвращает сумму выплат работнику в USD-эквиваленте в пределах окна.
func (r *PostgresRepository) SumPayments(ctx context.Context, workerID int64, rng model.DateRange) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(paid_amount_usd), 0)
		 FROM payments
		 WHERE worker_id = $1
		   AND ($2::timestamptz IS NULL OR payment_date >= $2)
		   AND ($3::timestamptz IS NULL OR payment_date <= $3)`,
		workerID, rng.From, rng.To,
	).Scan(&total)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sum payments: %w", err)
	}
	return total, nil
}

// GetAccrualsByWorker возвращает все USD-начисления работника в хронологическом порядке.
func (r *PostgresRepository) GetAccrualsByWorker(ctx context.Context, workerID int64) ([]model.AccrualRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, worker_id, task_id, stage_name, currency, amount, occurred_at, created_at
		 FROM accruals
		 WHERE worker_id = $1 AND currency = $2
		 ORDER BY occurred_at, id`,
		workerID, string(model.CurrencyUSD),
	)
	if err != nil {
		return nil, fmt.Errorf("select accruals: %w", err)
	}
	defer rows.Close()

	var res []model.AccrualRecord
	for rows.Next() {
		var a model.AccrualRecord
		var currency string
		if err := rows.Scan(&a.ID, &a.WorkerID, &a.TaskID, &a.StageName, &currency, &a.Amount, &a.OccurredAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan accrual: %w", err)
		}
		a.Currency = model.Currency(currency)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreatePayment проводит выплату работнику. Строка пользователя блокируется
// через SELECT FOR UPDATE, чтобы две параллельные выплаты не прочитали один и
// тот же остаток и обе не прошли проверку. Выплаты разным работникам друг
// друга не блокируют. Запись либо сохраняется целиком, либо не сохраняется вовсе.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.PaymentRecord) (*model.PaymentRecord, error) {
	var created *model.PaymentRecord
	err := r.withRetry(ctx, func() error {
		var txErr error
		created, txErr = r.createPaymentTx(ctx, p)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) createPaymentTx(ctx context.Context, p *model.PaymentRecord) (*model.PaymentRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку работника: чтение остатка, проверка и вставка должны
	// идти последовательно для одного работника.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, p.WorkerID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock worker for update: %w", err)
	}

	// Обе суммы считаются до даты платежа включительно — проверка всегда
	// выполняется над одним хронологическим срезом.
	var earnedTotal decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM accruals
		 WHERE worker_id = $1 AND currency = $2 AND occurred_at <= $3`,
		p.WorkerID, string(model.CurrencyUSD), p.PaymentDate,
	).Scan(&earnedTotal)
	if err != nil {
		return nil, fmt.Errorf("sum accruals: %w", err)
	}

	var paidTotal decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(paid_amount_usd), 0)
		 FROM payments
		 WHERE worker_id = $1 AND payment_date <= $2`,
		p.WorkerID, p.PaymentDate,
	).Scan(&paidTotal)
	if err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}

	available := earnedTotal.Sub(paidTotal)
	if p.PaidAmountUsd.GreaterThan(available) {
		return nil, &OverpaymentError{Available: available, Requested: p.PaidAmountUsd}
	}

	created := *p
	created.EarnedAmountUsd = available

	err = tx.QueryRow(ctx,
		`INSERT INTO payments
		     (worker_id, earned_amount_usd, paid_currency, paid_amount_local, exchange_rate,
		      paid_amount_usd, payment_date, comment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		 RETURNING id, created_at`,
		created.WorkerID, created.EarnedAmountUsd, string(created.PaidCurrency),
		nullableDecimal(created.PaidAmountLocal), nullableDecimal(created.ExchangeRate),
		created.PaidAmountUsd, created.PaymentDate, created.Comment,
	).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &created, nil
}

// GetPaymentsByWorker возвращает выплаты работника в пределах окна, новые раньше старых.
func (r *PostgresRepository) GetPaymentsByWorker(ctx context.Context, workerID int64, rng model.DateRange) ([]model.PaymentRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, worker_id, earned_amount_usd, paid_currency, paid_amount_local,
		        exchange_rate, paid_amount_usd, payment_date, COALESCE(comment, ''), created_at
		 FROM payments
		 WHERE worker_id = $1
		   AND ($2::timestamptz IS NULL OR payment_date >= $2)
		   AND ($3::timestamptz IS NULL OR payment_date <= $3)
		 ORDER BY payment_date DESC, id DESC`,
		workerID, rng.From, rng.To,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentRecord
	for rows.Next() {
		var (
			p        model.PaymentRecord
			currency string
			amtLocal decimal.NullDecimal
			rate     decimal.NullDecimal
		)
		if err := rows.Scan(&p.ID, &p.WorkerID, &p.EarnedAmountUsd, &currency, &amtLocal,
			&rate, &p.PaidAmountUsd, &p.PaymentDate, &p.Comment, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}

		p.PaidCurrency = model.Currency(currency)
		if amtLocal.Valid {
			v := amtLocal.Decimal
			p.PaidAmountLocal = &v
		}
		if rate.Valid {
			v := rate.Decimal
			p.ExchangeRate = &v
		}

		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetQuoteOnOrBefore возвращает самую свежую котировку USD с датой не позже указанной.
// При равных датах приоритет у котировки центробанка перед ручной.
func (r *PostgresRepository) GetQuoteOnOrBefore(ctx context.Context, date time.Time) (*model.ExchangeRateQuote, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, currency, rate, date, source, created_at
		 FROM exchange_rates
		 WHERE currency = $1 AND date <= $2
		 ORDER BY date DESC, source ASC
		 LIMIT 1`,
		string(model.CurrencyUSD), date,
	)

	var q model.ExchangeRateQuote
	var currency, source string
	err := row.Scan(&q.ID, &currency, &q.Rate, &q.Date, &source, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, exchange.ErrQuoteNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}

	q.Currency = model.Currency(currency)
	q.Source = model.ExchangeRateSource(source)

	return &q, nil
}

func nullableDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
