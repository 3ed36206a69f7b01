// Package service реализует бизнес-логику леджера взаиморасчётов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oshodiev/broker-ledger/internal/model"
	"github.com/oshodiev/broker-ledger/internal/validation"
)

// ErrWorkerNotEligible возвращается, если роль пользователя не допускает участия в леджере.
var (
	ErrWorkerNotEligible = errors.New("user is not an eligible worker")
	// ErrInvalidAmount возвращается для неположительной или слишком точной суммы.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidStageName возвращается для пустого названия этапа.
	ErrInvalidStageName = errors.New("invalid stage name")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UnsupportedCurrencyError возвращается для валюты платежа, отличной от USD и UZS.
type UnsupportedCurrencyError struct {
	Currency model.Currency
}

func (e *UnsupportedCurrencyError) Error() string {
	return fmt.Sprintf("unsupported payment currency: %s", e.Currency)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, name string, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateAccrual(ctx context.Context, a *model.AccrualRecord) (*model.AccrualRecord, error)
	SumAccruals(ctx context.Context, workerID int64, rng model.DateRange) (decimal.Decimal, error)
	SumPayments(ctx context.Context, workerID int64, rng model.DateRange) (decimal.Decimal, error)
	GetAccrualsByWorker(ctx context.Context, workerID int64) ([]model.AccrualRecord, error)
	CreatePayment(ctx context.Context, p *model.PaymentRecord) (*model.PaymentRecord, error)
	GetPaymentsByWorker(ctx context.Context, workerID int64, rng model.DateRange) ([]model.PaymentRecord, error)
}

// RateResolver описывает контракт подбора обменного курса на дату.
type RateResolver interface {
	Resolve(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error)
}

// Service содержит бизнес-логику леджера взаиморасчётов.
type Service struct {
	repo  Repository
	rates RateResolver
}

// NewService создаёт новый сервис с указанным репозиторием и резолвером курсов.
func NewService(repo Repository, rates RateResolver) *Service {
	return &Service{
		repo:  repo,
		rates: rates,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password, name string, role model.Role) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateUser(ctx, login, hashed, name, role)
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его учётную запись.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// RecordAccrual записывает начисление работнику за завершённый этап.
// Сумму передаёт вызывающий: она зафиксирована в момент завершения этапа,
// и последующие правки тарифов историю не переписывают. Название этапа
// нормализуется один раз здесь, при приёме записи.
func (s *Service) RecordAccrual(ctx context.Context, workerID, taskID int64, stageName string, amount decimal.Decimal, occurredAt time.Time) (*model.AccrualRecord, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !validation.IsValidStageName(stageName) {
		return nil, ErrInvalidStageName
	}

	if err := s.checkEligibleWorker(ctx, workerID); err != nil {
		return nil, err
	}

	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return s.repo.CreateAccrual(ctx, &model.AccrualRecord{
		WorkerID:   workerID,
		TaskID:     taskID,
		StageName:  validation.CanonicalStageName(stageName),
		Currency:   model.CurrencyUSD,
		Amount:     amount,
		OccurredAt: occurredAt,
	})
}

// PaymentOptions содержит необязательные параметры выплаты.
type PaymentOptions struct {
	// ExchangeRate — явно заданный курс; если не задан, курс подбирается на дату платежа.
	ExchangeRate *decimal.Decimal
	// PaymentDate — дата платежа; по умолчанию текущий момент.
	PaymentDate *time.Time
	// Comment — произвольный комментарий к выплате.
	Comment string
}

// CreatePayment проводит выплату работнику. Платежи в локальной валюте
// конвертируются в USD по курсу на дату платежа; проверка переплаты и вставка
// выполняются в репозитории атомарно для каждого работника.
func (s *Service) CreatePayment(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts PaymentOptions) (*model.PaymentRecord, error) {
	if !validation.IsValidAmount(paidAmount) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, paidAmount)
	}

	if err := s.checkEligibleWorker(ctx, workerID); err != nil {
		return nil, err
	}

	paymentDate := time.Now()
	if opts.PaymentDate != nil {
		paymentDate = *opts.PaymentDate
	}

	record := model.PaymentRecord{
		WorkerID:     workerID,
		PaidCurrency: paidCurrency,
		PaymentDate:  paymentDate,
		Comment:      opts.Comment,
	}

	switch paidCurrency {
	case model.CurrencyUSD:
		record.PaidAmountUsd = paidAmount

	case model.CurrencyUZS:
		rate, err := s.paymentRate(ctx, paymentDate, opts.ExchangeRate)
		if err != nil {
			return nil, err
		}

		record.PaidAmountLocal = &paidAmount
		record.ExchangeRate = &rate
		record.PaidAmountUsd = paidAmount.DivRound(rate, 2)

	default:
		return nil, &UnsupportedCurrencyError{Currency: paidCurrency}
	}

	return s.repo.CreatePayment(ctx, &record)
}

func (s *Service) paymentRate(ctx context.Context, paymentDate time.Time, explicit *decimal.Decimal) (decimal.Decimal, error) {
	if explicit != nil {
		if !validation.IsValidRate(*explicit) {
			return decimal.Decimal{}, fmt.Errorf("%w: rate %s", ErrInvalidAmount, explicit)
		}
		return *explicit, nil
	}

	rate, _, err := s.rates.Resolve(ctx, paymentDate, model.CurrencyUSD, model.CurrencyUZS)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("resolve rate for payment date %s: %w",
			paymentDate.Format("2006-01-02"), err)
	}
	return rate, nil
}

// BuildReport собирает сводку взаиморасчётов работника за окно дат.
// Сводка пересчитывается из записей при каждом запросе; промежуточный баланс
// нигде не хранится. История выплат возвращается в усечённом виде.
func (s *Service) BuildReport(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error) {
	if _, err := s.repo.GetUserByID(ctx, workerID); err != nil {
		return nil, err
	}

	earned, err := s.repo.SumAccruals(ctx, workerID, rng)
	if err != nil {
		return nil, err
	}

	paid, err := s.repo.SumPayments(ctx, workerID, rng)
	if err != nil {
		return nil, err
	}

	payments, err := s.repo.GetPaymentsByWorker(ctx, workerID, rng)
	if err != nil {
		return nil, err
	}

	views := make([]model.PaymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, p.View())
	}

	return &model.ReconciliationReport{
		TotalEarnedUsd: earned,
		TotalPaidUsd:   paid,
		Difference:     earned.Sub(paid),
		Payments:       views,
	}, nil
}

// BuildStageBreakdown собирает разбивку начислений работника по каноническим этапам.
//
// Выплаты не привязаны к этапам, поэтому полученное распределяется по
// начислениям в порядке их возникновения: вся выплаченная сумма работника
// «гасит» начисления от старых к новым, и каждому этапу достаётся погашенная
// часть его начислений. Распределение детерминировано и считается по всей
// истории; окно дат ограничивает только то, какие начисления попадут в ответ.
func (s *Service) BuildStageBreakdown(ctx context.Context, workerID int64, rng model.DateRange) (*model.StageBreakdown, error) {
	if _, err := s.repo.GetUserByID(ctx, workerID); err != nil {
		return nil, err
	}

	accruals, err := s.repo.GetAccrualsByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	totalPaid, err := s.repo.SumPayments(ctx, workerID, model.DateRange{})
	if err != nil {
		return nil, err
	}

	breakdown := &model.StageBreakdown{
		TotalEarned:   decimal.Zero,
		TotalReceived: decimal.Zero,
		TotalPending:  decimal.Zero,
	}
	index := make(map[string]int)

	remaining := totalPaid
	for _, a := range accruals {
		settled := decimal.Min(remaining, a.Amount)
		remaining = remaining.Sub(settled)

		if !rng.Contains(a.OccurredAt) {
			continue
		}

		// Исторические записи могли быть созданы до нормализации названий.
		label := validation.CanonicalStageName(a.StageName)
		i, ok := index[label]
		if !ok {
			i = len(breakdown.Stages)
			index[label] = i
			breakdown.Stages = append(breakdown.Stages, model.StageStat{
				StageLabel:     label,
				EarnedAmount:   decimal.Zero,
				ReceivedAmount: decimal.Zero,
				PendingAmount:  decimal.Zero,
			})
		}

		stat := &breakdown.Stages[i]
		stat.ParticipationCount++
		stat.EarnedAmount = stat.EarnedAmount.Add(a.Amount)
		stat.ReceivedAmount = stat.ReceivedAmount.Add(settled)
		stat.PendingAmount = stat.EarnedAmount.Sub(stat.ReceivedAmount)

		breakdown.TotalParticipation++
		breakdown.TotalEarned = breakdown.TotalEarned.Add(a.Amount)
		breakdown.TotalReceived = breakdown.TotalReceived.Add(settled)
	}

	breakdown.TotalPending = breakdown.TotalEarned.Sub(breakdown.TotalReceived)

	return breakdown, nil
}

// ResolveRate возвращает курс пары валют на дату и признак точного совпадения даты.
func (s *Service) ResolveRate(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error) {
	return s.rates.Resolve(ctx, date, from, to)
}

func (s *Service) checkEligibleWorker(ctx context.Context, workerID int64) error {
	u, err := s.repo.GetUserByID(ctx, workerID)
	if err != nil {
		return err
	}
	if !u.Active || !u.Role.EligibleWorker() {
		return fmt.Errorf("%w: %d", ErrWorkerNotEligible, workerID)
	}
	return nil
}
