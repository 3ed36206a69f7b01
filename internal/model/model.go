// Package model содержит доменные сущности леджера взаиморасчётов с работниками.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleDeklarant         Role = "DEKLARANT"
	RoleAdmin             Role = "ADMIN"
	RoleManager           Role = "MANAGER"
	RoleCertificateWorker Role = "CERTIFICATE_WORKER"
)

// EligibleWorker сообщает, может ли роль участвовать в леджере начислений.
func (r Role) EligibleWorker() bool {
	switch r {
	case RoleDeklarant, RoleAdmin, RoleManager, RoleCertificateWorker:
		return true
	}
	return false
}

// User представляет работника или администратора системы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Name         string
	Role         Role
	Active       bool
	CreatedAt    time.Time
}

// Currency описывает валюту платежа или начисления.
type Currency string

const (
	// CurrencyUSD — расчётная валюта леджера; только начисления в ней входят в баланс.
	CurrencyUSD Currency = "USD"
	// CurrencyUZS — локальная валюта; платежи в ней конвертируются по курсу на дату платежа.
	CurrencyUZS Currency = "UZS"
)

// AccrualRecord описывает неизменяемую запись о начислении работнику за выполненный этап.
// Сумма фиксируется в момент завершения этапа и не пересчитывается при изменении тарифов.
type AccrualRecord struct {
	ID         int64
	WorkerID   int64
	TaskID     int64
	StageName  string
	Currency   Currency
	Amount     decimal.Decimal
	OccurredAt time.Time
	CreatedAt  time.Time
}

// PaymentRecord описывает запись о выплате работнику.
// Поля PaidAmountLocal и ExchangeRate — внутренняя бухгалтерия и наружу не отдаются.
type PaymentRecord struct {
	ID              int64
	WorkerID        int64
	EarnedAmountUsd decimal.Decimal
	PaidCurrency    Currency
	PaidAmountLocal *decimal.Decimal
	ExchangeRate    *decimal.Decimal
	PaidAmountUsd   decimal.Decimal
	PaymentDate     time.Time
	Comment         string
	CreatedAt       time.Time
}

// View возвращает усечённое представление платежа без внутренних валютных полей.
func (p PaymentRecord) View() PaymentView {
	return PaymentView{
		ID:              p.ID,
		EarnedAmountUsd: p.EarnedAmountUsd,
		PaidAmountUsd:   p.PaidAmountUsd,
		PaidCurrency:    p.PaidCurrency,
		PaymentDate:     p.PaymentDate,
		Comment:         p.Comment,
	}
}

// PaymentView — внешнее представление платежа. Локальная сумма и курс
// отсутствуют в самом типе, поэтому утечь через сериализацию они не могут.
type PaymentView struct {
	ID              int64
	EarnedAmountUsd decimal.Decimal
	PaidAmountUsd   decimal.Decimal
	PaidCurrency    Currency
	PaymentDate     time.Time
	Comment         string
}

// ExchangeRateSource описывает происхождение котировки курса.
type ExchangeRateSource string

const (
	RateSourceCBU    ExchangeRateSource = "CBU"
	RateSourceManual ExchangeRateSource = "MANUAL"
)

// ExchangeRateQuote описывает котировку курса USD к локальной валюте на дату.
type ExchangeRateQuote struct {
	ID        int64
	Currency  Currency
	Rate      decimal.Decimal
	Date      time.Time
	Source    ExchangeRateSource
	CreatedAt time.Time
}

// DateRange задаёт необязательное окно отчёта. Нулевой указатель означает открытую границу.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Contains сообщает, попадает ли момент времени в окно.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// ReconciliationReport — сводка взаиморасчётов работника, пересчитываемая при каждом запросе.
type ReconciliationReport struct {
	TotalEarnedUsd decimal.Decimal
	TotalPaidUsd   decimal.Decimal
	Difference     decimal.Decimal
	Payments       []PaymentView
}

// StageStat описывает участие работника в одном каноническом этапе.
type StageStat struct {
	StageLabel         string
	ParticipationCount int
	EarnedAmount       decimal.Decimal
	ReceivedAmount     decimal.Decimal
	PendingAmount      decimal.Decimal
}

// StageBreakdown — разбивка начислений работника по этапам с итогами.
type StageBreakdown struct {
	Stages             []StageStat
	TotalParticipation int
	TotalEarned        decimal.Decimal
	TotalReceived      decimal.Decimal
	TotalPending       decimal.Decimal
}
