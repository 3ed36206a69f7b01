package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oshodiev/broker-ledger/internal/exchange"
	"github.com/oshodiev/broker-ledger/internal/middleware"
	"github.com/oshodiev/broker-ledger/internal/model"
	"github.com/oshodiev/broker-ledger/internal/repository"
	"github.com/oshodiev/broker-ledger/internal/service"
)

type stubService struct {
	registerFunc  func(ctx context.Context, login, password, name string, role model.Role) (int64, error)
	authFunc      func(ctx context.Context, login, password string) (*model.User, error)
	accrualFunc   func(ctx context.Context, workerID, taskID int64, stageName string, amount decimal.Decimal, occurredAt time.Time) (*model.AccrualRecord, error)
	paymentFunc   func(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts service.PaymentOptions) (*model.PaymentRecord, error)
	reportFunc    func(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error)
	breakdownFunc func(ctx context.Context, workerID int64, rng model.DateRange) (*model.StageBreakdown, error)
	rateFunc      func(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error)
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, name string, role model.Role) (int64, error) {
	return s.registerFunc(ctx, login, password, name, role)
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authFunc(ctx, login, password)
}

func (s *stubService) RecordAccrual(ctx context.Context, workerID, taskID int64, stageName string, amount decimal.Decimal, occurredAt time.Time) (*model.AccrualRecord, error) {
	return s.accrualFunc(ctx, workerID, taskID, stageName, amount, occurredAt)
}

func (s *stubService) CreatePayment(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts service.PaymentOptions) (*model.PaymentRecord, error) {
	return s.paymentFunc(ctx, workerID, paidCurrency, paidAmount, opts)
}

func (s *stubService) BuildReport(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error) {
	return s.reportFunc(ctx, workerID, rng)
}

func (s *stubService) BuildStageBreakdown(ctx context.Context, workerID int64, rng model.DateRange) (*model.StageBreakdown, error) {
	return s.breakdownFunc(ctx, workerID, rng)
}

func (s *stubService) ResolveRate(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error) {
	return s.rateFunc(ctx, date, from, to)
}

func newTestServer(t *testing.T, svc Service) (*httptest.Server, *middleware.AuthMiddleware) {
	t.Helper()
	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, zap.NewNop(), auth)
	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return srv, auth
}

func authCookie(t *testing.T, auth *middleware.AuthMiddleware, userID int64, role model.Role) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID, role)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func doRequest(t *testing.T, method, url, body string, cookie *http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	return resp, buf.String()
}

func TestRecordAccrual(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
	}{
		{
			name:       "created",
			body:       `{"workerId": 1, "taskId": 10, "stageName": "Invoys", "amountUsd": "3.00"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "unknown worker",
			body:       `{"workerId": 99, "taskId": 10, "stageName": "Invoys", "amountUsd": "3.00"}`,
			serviceErr: repository.ErrUserNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "duplicate",
			body:       `{"workerId": 1, "taskId": 10, "stageName": "Invoys", "amountUsd": "3.00"}`,
			serviceErr: &repository.DuplicateAccrualError{WorkerID: 1, TaskID: 10, StageName: "Invoys"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "not eligible",
			body:       `{"workerId": 2, "taskId": 10, "stageName": "Invoys", "amountUsd": "3.00"}`,
			serviceErr: service.ErrWorkerNotEligible,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid amount",
			body:       `{"workerId": 1, "taskId": 10, "stageName": "Invoys", "amountUsd": "-3"}`,
			serviceErr: service.ErrInvalidAmount,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"workerId": `,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				accrualFunc: func(ctx context.Context, workerID, taskID int64, stageName string, amount decimal.Decimal, occurredAt time.Time) (*model.AccrualRecord, error) {
					if tt.serviceErr != nil {
						return nil, tt.serviceErr
					}
					return &model.AccrualRecord{
						ID: 5, WorkerID: workerID, TaskID: taskID, StageName: stageName,
						Currency: model.CurrencyUSD, Amount: amount,
						OccurredAt: time.Now(), CreatedAt: time.Now(),
					}, nil
				},
			}
			srv, auth := newTestServer(t, svc)
			admin := authCookie(t, auth, 100, model.RoleAdmin)

			resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/accruals", tt.body, admin)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestRecordAccrual_RequiresAdmin(t *testing.T) {
	srv, auth := newTestServer(t, &stubService{})
	worker := authCookie(t, auth, 1, model.RoleDeklarant)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/accruals",
		`{"workerId": 1, "taskId": 10, "stageName": "Invoys", "amountUsd": "3.00"}`, worker)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreatePayment_Created(t *testing.T) {
	local := decimal.RequireFromString("125000")
	rate := decimal.RequireFromString("12500")
	svc := &stubService{
		paymentFunc: func(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts service.PaymentOptions) (*model.PaymentRecord, error) {
			return &model.PaymentRecord{
				ID:              7,
				WorkerID:        workerID,
				EarnedAmountUsd: decimal.RequireFromString("10.00"),
				PaidCurrency:    paidCurrency,
				PaidAmountLocal: &local,
				ExchangeRate:    &rate,
				PaidAmountUsd:   decimal.RequireFromString("10.00"),
				PaymentDate:     time.Now(),
				CreatedAt:       time.Now(),
			}, nil
		},
	}
	srv, auth := newTestServer(t, svc)
	admin := authCookie(t, auth, 100, model.RoleAdmin)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/api/worker-payments",
		`{"workerId": 1, "paidCurrency": "UZS", "paidAmount": "125000"}`, admin)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body, `"paidAmountUsd":"10.00"`)

	// Локальная сумма и курс наружу не отдаются даже при выплате в UZS.
	assert.NotContains(t, body, "paidAmountLocal")
	assert.NotContains(t, body, "exchangeRate")
	assert.NotContains(t, body, "125000")
	assert.NotContains(t, body, "12500")
}

func TestCreatePayment_Overpayment(t *testing.T) {
	svc := &stubService{
		paymentFunc: func(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts service.PaymentOptions) (*model.PaymentRecord, error) {
			return nil, &repository.OverpaymentError{
				Available: decimal.RequireFromString("7.50"),
				Requested: decimal.RequireFromString("7.51"),
			}
		},
	}
	srv, auth := newTestServer(t, svc)
	admin := authCookie(t, auth, 100, model.RoleAdmin)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/api/worker-payments",
		`{"workerId": 1, "paidCurrency": "USD", "paidAmount": "7.51"}`, admin)

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, body, `"availableUsd":"7.50"`)
	assert.Contains(t, body, `"requestedUsd":"7.51"`)
}

func TestCreatePayment_BadRequests(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantStatus int
	}{
		{
			name:       "unsupported currency",
			serviceErr: &service.UnsupportedCurrencyError{Currency: model.Currency("EUR")},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "no rate for date",
			serviceErr: &exchange.NoRateError{
				Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
				From: model.CurrencyUSD,
				To:   model.CurrencyUZS,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown worker",
			serviceErr: repository.ErrUserNotFound,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				paymentFunc: func(ctx context.Context, workerID int64, paidCurrency model.Currency, paidAmount decimal.Decimal, opts service.PaymentOptions) (*model.PaymentRecord, error) {
					return nil, tt.serviceErr
				},
			}
			srv, auth := newTestServer(t, svc)
			admin := authCookie(t, auth, 100, model.RoleAdmin)

			resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/worker-payments",
				`{"workerId": 1, "paidCurrency": "USD", "paidAmount": "5"}`, admin)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestGetReport_AccessControl(t *testing.T) {
	svc := &stubService{
		reportFunc: func(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error) {
			return &model.ReconciliationReport{
				TotalEarnedUsd: decimal.RequireFromString("7.50"),
				TotalPaidUsd:   decimal.RequireFromString("4.00"),
				Difference:     decimal.RequireFromString("3.50"),
				Payments:       []model.PaymentView{},
			}, nil
		},
	}
	srv, auth := newTestServer(t, svc)

	tests := []struct {
		name       string
		cookie     *http.Cookie
		wantStatus int
	}{
		{"no cookie", nil, http.StatusUnauthorized},
		{"own report", authCookie(t, auth, 1, model.RoleDeklarant), http.StatusOK},
		{"foreign report", authCookie(t, auth, 2, model.RoleDeklarant), http.StatusForbidden},
		{"admin", authCookie(t, auth, 100, model.RoleAdmin), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doRequest(t, http.MethodGet, srv.URL+"/api/worker-payments/1/report", "", tt.cookie)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestGetReport_PaymentsOmitLocalFields(t *testing.T) {
	local := decimal.RequireFromString("125000")
	rate := decimal.RequireFromString("12500")
	record := model.PaymentRecord{
		ID:              3,
		WorkerID:        1,
		EarnedAmountUsd: decimal.RequireFromString("10.00"),
		PaidCurrency:    model.CurrencyUZS,
		PaidAmountLocal: &local,
		ExchangeRate:    &rate,
		PaidAmountUsd:   decimal.RequireFromString("10.00"),
		PaymentDate:     time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	svc := &stubService{
		reportFunc: func(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error) {
			return &model.ReconciliationReport{
				TotalEarnedUsd: record.EarnedAmountUsd,
				TotalPaidUsd:   record.PaidAmountUsd,
				Difference:     decimal.Zero,
				Payments:       []model.PaymentView{record.View()},
			}, nil
		},
	}
	srv, auth := newTestServer(t, svc)
	admin := authCookie(t, auth, 100, model.RoleAdmin)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/worker-payments/1/report", "", admin)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"paidCurrency":"UZS"`)
	assert.NotContains(t, body, "paidAmountLocal")
	assert.NotContains(t, body, "exchangeRate")
	assert.NotContains(t, body, "125000")
	assert.NotContains(t, body, "12500")
}

func TestGetReport_DateFilters(t *testing.T) {
	var gotRange model.DateRange
	svc := &stubService{
		reportFunc: func(ctx context.Context, workerID int64, rng model.DateRange) (*model.ReconciliationReport, error) {
			gotRange = rng
			return &model.ReconciliationReport{Payments: []model.PaymentView{}}, nil
		},
	}
	srv, auth := newTestServer(t, svc)
	admin := authCookie(t, auth, 100, model.RoleAdmin)

	resp, _ := doRequest(t, http.MethodGet,
		srv.URL+"/api/worker-payments/1/report?startDate=2024-03-01&endDate=2024-03-31", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NotNil(t, gotRange.From)
	require.NotNil(t, gotRange.To)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), gotRange.From.UTC())
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), gotRange.To.UTC())

	resp, _ = doRequest(t, http.MethodGet,
		srv.URL+"/api/worker-payments/1/report?startDate=yesterday", "", admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetStageBreakdown(t *testing.T) {
	svc := &stubService{
		breakdownFunc: func(ctx context.Context, workerID int64, rng model.DateRange) (*model.StageBreakdown, error) {
			return &model.StageBreakdown{
				Stages: []model.StageStat{
					{
						StageLabel:         "Tekshirish",
						ParticipationCount: 2,
						EarnedAmount:       decimal.RequireFromString("4.00"),
						ReceivedAmount:     decimal.RequireFromString("4.00"),
						PendingAmount:      decimal.Zero,
					},
				},
				TotalParticipation: 2,
				TotalEarned:        decimal.RequireFromString("4.00"),
				TotalReceived:      decimal.RequireFromString("4.00"),
				TotalPending:       decimal.Zero,
			}, nil
		},
	}
	srv, auth := newTestServer(t, svc)
	worker := authCookie(t, auth, 1, model.RoleDeklarant)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/workers/1/stage-stats", "", worker)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"stageLabel":"Tekshirish"`)
	assert.Contains(t, body, `"participationCount":2`)
	assert.Contains(t, body, `"totalPending":"0"`)
}

func TestGetStageBreakdown_UnknownPeriod(t *testing.T) {
	srv, auth := newTestServer(t, &stubService{})
	worker := authCookie(t, auth, 1, model.RoleDeklarant)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/api/workers/1/stage-stats?period=decade", "", worker)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveRate(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		rateErr    error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "found",
			query:      "?date=2024-03-02",
			wantStatus: http.StatusOK,
			wantBody:   `"exact":true`,
		},
		{
			name:  "no rate",
			query: "?date=2024-03-02",
			rateErr: &exchange.NoRateError{
				Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
				From: model.CurrencyUSD,
				To:   model.CurrencyUZS,
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unsupported pair",
			query:      "?date=2024-03-02&from=EUR&to=UZS",
			rateErr:    exchange.ErrUnsupportedPair,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad date",
			query:      "?date=march",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				rateFunc: func(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error) {
					if tt.rateErr != nil {
						return decimal.Decimal{}, false, tt.rateErr
					}
					return decimal.RequireFromString("12500"), true, nil
				},
			}
			srv, auth := newTestServer(t, svc)
			admin := authCookie(t, auth, 100, model.RoleAdmin)

			resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/exchange-rates/resolve"+tt.query, "", admin)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != "" {
				assert.Contains(t, body, tt.wantBody)
			}
		})
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc := &stubService{
		registerFunc: func(ctx context.Context, login, password, name string, role model.Role) (int64, error) {
			if login == "taken" {
				return 0, repository.ErrUserExists
			}
			return 1, nil
		},
		authFunc: func(ctx context.Context, login, password string) (*model.User, error) {
			if password != "secret" {
				return nil, service.ErrInvalidCredentials
			}
			return &model.User{ID: 1, Login: login, Role: model.RoleDeklarant, Active: true}, nil
		},
	}
	srv, _ := newTestServer(t, svc)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/auth/register",
		`{"login": "worker", "password": "secret", "name": "Worker"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies())

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/api/auth/register",
		`{"login": "taken", "password": "secret"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/api/auth/login",
		`{"login": "worker", "password": "secret"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies())

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/api/auth/login",
		`{"login": "worker", "password": "wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
