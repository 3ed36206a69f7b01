// Package handler содержит HTTP-обработчики API леджера взаиморасчётов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oshodiev/broker-ledger/internal/exchange"
	"github.com/oshodiev/broker-ledger/internal/middleware"
	"github.com/oshodiev/broker-ledger/internal/model"
	"github.com/oshodiev/broker-ledger/internal/repository"
	"github.com/oshodiev/broker-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, name string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	RecordAccrual(ctx context.Context, workerID, taskID int64, stageName string, amount decimal.Decimal, occurredAt time.Time) (*model.AccrualRecord, error)
	CreatePayment(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts service.PaymentOptions) (*model.PaymentRecord, error)
	BuildReport(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error)
	BuildStageBreakdown(ctx context.Context, workerID int64, rng model.DateRange) (*model.StageBreakdown, error)
	ResolveRate(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error)
}

// Handler реализует HTTP-обработчики API леджера взаиморасчётов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleDeklarant
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.Name, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, role)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, user.Role)
	w.WriteHeader(http.StatusOK)
}

type accrualRequest struct {
	WorkerID   int64           `json:"workerId"`
	TaskID     int64           `json:"taskId"`
	StageName  string          `json:"stageName"`
	AmountUsd  decimal.Decimal `json:"amountUsd"`
	OccurredAt *time.Time      `json:"occurredAt,omitempty"`
}

type accrualResponse struct {
	ID         int64           `json:"id"`
	WorkerID   int64           `json:"workerId"`
	TaskID     int64           `json:"taskId"`
	StageName  string          `json:"stageName"`
	AmountUsd  decimal.Decimal `json:"amountUsd"`
	OccurredAt string          `json:"occurredAt"`
	CreatedAt  string          `json:"createdAt"`
}

// RecordAccrual принимает начисление за завершённый этап от workflow-подсистемы.
func (h *Handler) RecordAccrual(w http.ResponseWriter, r *http.Request) {
	var req accrualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var occurredAt time.Time
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	accrual, err := h.service.RecordAccrual(r.Context(), req.WorkerID, req.TaskID, req.StageName, req.AmountUsd, occurredAt)
	if err != nil {
		var dup *repository.DuplicateAccrualError
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.As(err, &dup):
			http.Error(w, dup.Error(), http.StatusConflict)
		case errors.Is(err, service.ErrWorkerNotEligible),
			errors.Is(err, service.ErrInvalidAmount),
			errors.Is(err, service.ErrInvalidStageName):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("record accrual error", zap.Error(err), zap.Int64("workerID", req.WorkerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, accrualResponse{
		ID:         accrual.ID,
		WorkerID:   accrual.WorkerID,
		TaskID:     accrual.TaskID,
		StageName:  accrual.StageName,
		AmountUsd:  accrual.Amount,
		OccurredAt: accrual.OccurredAt.Format(time.RFC3339),
		CreatedAt:  accrual.CreatedAt.Format(time.RFC3339),
	})
}

type paymentRequest struct {
	WorkerID     int64            `json:"workerId"`
	PaidCurrency string           `json:"paidCurrency"`
	PaidAmount   decimal.Decimal  `json:"paidAmount"`
	ExchangeRate *decimal.Decimal `json:"exchangeRate,omitempty"`
	PaymentDate  *time.Time       `json:"paymentDate,omitempty"`
	Comment      string           `json:"comment,omitempty"`
}

// paymentResponse — внешнее представление выплаты: только USD-поля,
// локальная сумма и курс в типе отсутствуют.
type paymentResponse struct {
	ID              int64           `json:"id"`
	WorkerID        int64           `json:"workerId"`
	EarnedAmountUsd decimal.Decimal `json:"earnedAmountUsd"`
	PaidAmountUsd   decimal.Decimal `json:"paidAmountUsd"`
	PaidCurrency    string          `json:"paidCurrency"`
	PaymentDate     string          `json:"paymentDate"`
	Comment         string          `json:"comment,omitempty"`
	CreatedAt       string          `json:"createdAt"`
}

type overpaymentResponse struct {
	Error        string          `json:"error"`
	AvailableUsd decimal.Decimal `json:"availableUsd"`
	RequestedUsd decimal.Decimal `json:"requestedUsd"`
}

// CreatePayment проводит выплату работнику.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), req.WorkerID, model.Currency(req.PaidCurrency), req.PaidAmount,
		service.PaymentOptions{
			ExchangeRate: req.ExchangeRate,
			PaymentDate:  req.PaymentDate,
			Comment:      req.Comment,
		})
	if err != nil {
		var overpayment *repository.OverpaymentError
		var unsupported *service.UnsupportedCurrencyError
		var noRate *exchange.NoRateError
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.As(err, &overpayment):
			writeJSON(w, h.logger, http.StatusPaymentRequired, overpaymentResponse{
				Error:        overpayment.Error(),
				AvailableUsd: overpayment.Available,
				RequestedUsd: overpayment.Requested,
			})
		case errors.As(err, &unsupported),
			errors.As(err, &noRate),
			errors.Is(err, service.ErrWorkerNotEligible),
			errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("create payment error", zap.Error(err), zap.Int64("workerID", req.WorkerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, paymentResponse{
		ID:              payment.ID,
		WorkerID:        payment.WorkerID,
		EarnedAmountUsd: payment.EarnedAmountUsd,
		PaidAmountUsd:   payment.PaidAmountUsd,
		PaidCurrency:    string(payment.PaidCurrency),
		PaymentDate:     payment.PaymentDate.Format(time.RFC3339),
		Comment:         payment.Comment,
		CreatedAt:       payment.CreatedAt.Format(time.RFC3339),
	})
}

type paymentViewResponse struct {
	ID              int64           `json:"id"`
	EarnedAmountUsd decimal.Decimal `json:"earnedAmountUsd"`
	PaidAmountUsd   decimal.Decimal `json:"paidAmountUsd"`
	PaidCurrency    string          `json:"paidCurrency"`
	PaymentDate     string          `json:"paymentDate"`
	Comment         string          `json:"comment,omitempty"`
}

type reportResponse struct {
	TotalEarnedUsd decimal.Decimal       `json:"totalEarnedUsd"`
	TotalPaidUsd   decimal.Decimal       `json:"totalPaidUsd"`
	Difference     decimal.Decimal       `json:"difference"`
	Payments       []paymentViewResponse `json:"payments"`
}

// GetReport возвращает сводку взаиморасчётов работника за окно дат.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	workerID, ok := h.workerIDForCaller(w, r)
	if !ok {
		return
	}

	rng, err := dateRangeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.service.BuildReport(r.Context(), workerID, rng)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("build report error", zap.Error(err), zap.Int64("workerID", workerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := reportResponse{
		TotalEarnedUsd: report.TotalEarnedUsd,
		TotalPaidUsd:   report.TotalPaidUsd,
		Difference:     report.Difference,
		Payments:       make([]paymentViewResponse, 0, len(report.Payments)),
	}
	for _, p := range report.Payments {
		resp.Payments = append(resp.Payments, paymentViewResponse{
			ID:              p.ID,
			EarnedAmountUsd: p.EarnedAmountUsd,
			PaidAmountUsd:   p.PaidAmountUsd,
			PaidCurrency:    string(p.PaidCurrency),
			PaymentDate:     p.PaymentDate.Format(time.RFC3339),
			Comment:         p.Comment,
		})
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

type stageStatResponse struct {
	StageLabel         string          `json:"stageLabel"`
	ParticipationCount int             `json:"participationCount"`
	EarnedAmount       decimal.Decimal `json:"earnedAmount"`
	ReceivedAmount     decimal.Decimal `json:"receivedAmount"`
	PendingAmount      decimal.Decimal `json:"pendingAmount"`
}

type stageBreakdownResponse struct {
	Stages             []stageStatResponse `json:"stages"`
	TotalParticipation int                 `json:"totalParticipation"`
	TotalEarned        decimal.Decimal     `json:"totalEarned"`
	TotalReceived      decimal.Decimal     `json:"totalReceived"`
	TotalPending       decimal.Decimal     `json:"totalPending"`
}

// GetStageBreakdown возвращает разбивку начислений работника по этапам.
func (h *Handler) GetStageBreakdown(w http.ResponseWriter, r *http.Request) {
	workerID, ok := h.workerIDForCaller(w, r)
	if !ok {
		return
	}

	rng, err := dateRangeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if period := r.URL.Query().Get("period"); period != "" {
		from, ok := periodStart(period, time.Now())
		if !ok {
			http.Error(w, "unknown period", http.StatusBadRequest)
			return
		}
		rng.From = &from
	}

	breakdown, err := h.service.BuildStageBreakdown(r.Context(), workerID, rng)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("build stage breakdown error", zap.Error(err), zap.Int64("workerID", workerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := stageBreakdownResponse{
		Stages:             make([]stageStatResponse, 0, len(breakdown.Stages)),
		TotalParticipation: breakdown.TotalParticipation,
		TotalEarned:        breakdown.TotalEarned,
		TotalReceived:      breakdown.TotalReceived,
		TotalPending:       breakdown.TotalPending,
	}
	for _, s := range breakdown.Stages {
		resp.Stages = append(resp.Stages, stageStatResponse{
			StageLabel:         s.StageLabel,
			ParticipationCount: s.ParticipationCount,
			EarnedAmount:       s.EarnedAmount,
			ReceivedAmount:     s.ReceivedAmount,
			PendingAmount:      s.PendingAmount,
		})
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

type rateResponse struct {
	Rate  decimal.Decimal `json:"rate"`
	Exact bool            `json:"exact"`
}

// ResolveRate возвращает курс на дату для проверки перед проведением выплаты.
func (h *Handler) ResolveRate(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	from := model.Currency(r.URL.Query().Get("from"))
	to := model.Currency(r.URL.Query().Get("to"))
	if from == "" {
		from = model.CurrencyUSD
	}
	if to == "" {
		to = model.CurrencyUZS
	}

	rate, exact, err := h.service.ResolveRate(r.Context(), date, from, to)
	if err != nil {
		var noRate *exchange.NoRateError
		switch {
		case errors.As(err, &noRate):
			http.Error(w, noRate.Error(), http.StatusNotFound)
		case errors.Is(err, exchange.ErrUnsupportedPair):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("resolve rate error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, http.StatusOK, rateResponse{Rate: rate, Exact: exact})
}

// workerIDForCaller извлекает идентификатор работника из URL и проверяет право
// доступа: администратор видит всех, остальные — только себя.
func (h *Handler) workerIDForCaller(w http.ResponseWriter, r *http.Request) (int64, bool) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}

	workerID, err := strconv.ParseInt(chi.URLParam(r, "workerID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}

	role, _ := middleware.GetRoleFromContext(r.Context())
	if role != model.RoleAdmin && callerID != workerID {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return 0, false
	}

	return workerID, true
}

func dateRangeFromQuery(r *http.Request) (model.DateRange, error) {
	var rng model.DateRange

	if v := r.URL.Query().Get("startDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return rng, errors.New("invalid startDate")
		}
		rng.From = &t
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return rng, errors.New("invalid endDate")
		}
		rng.To = &t
	}

	return rng, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// periodStart возвращает начало окна для предустановленного периода.
func periodStart(period string, now time.Time) (time.Time, bool) {
	switch period {
	case "day":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), true
	case "week":
		return now.AddDate(0, 0, -7), true
	case "month":
		return now.AddDate(0, -1, 0), true
	case "year":
		return now.AddDate(-1, 0, 0), true
	}
	return time.Time{}, false
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
