// Package exchange реализует подбор обменного курса на дату.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oshodiev/broker-ledger/internal/model"
)

// ErrQuoteNotFound возвращается хранилищем котировок, если котировка не найдена.
var ErrQuoteNotFound = errors.New("quote not found")

// ErrUnsupportedPair возвращается для валютных пар, отличных от USD и UZS.
var ErrUnsupportedPair = errors.New("unsupported currency pair")

// NoRateError возвращается, когда на дату и все предшествующие ей даты нет ни одной котировки.
// Резолвер намеренно не подставляет курс по умолчанию: платёж отклоняется, а не аппроксимируется.
type NoRateError struct {
	Date time.Time
	From model.Currency
	To   model.Currency
}

func (e *NoRateError) Error() string {
	return fmt.Sprintf("no exchange rate for %s/%s on or before %s",
		e.From, e.To, e.Date.Format("2006-01-02"))
}

// QuoteStore описывает контракт хранилища котировок, используемый резолвером.
type QuoteStore interface {
	// GetQuoteOnOrBefore возвращает самую свежую котировку USD с датой не позже указанной.
	// Если такой котировки нет — ErrQuoteNotFound.
	GetQuoteOnOrBefore(ctx context.Context, date time.Time) (*model.ExchangeRateQuote, error)
}

// Resolver подбирает курс по дате: сначала ищется котировка ровно на дату,
// иначе берётся ближайшая предшествующая. Найденные котировки кэшируются
// на время жизни резолвера, чтобы не повторять запросы в рамках одного отчёта.
type Resolver struct {
	store QuoteStore

	mu    sync.RWMutex
	cache map[string]model.ExchangeRateQuote
}

// NewResolver создаёт резолвер поверх указанного хранилища котировок.
func NewResolver(store QuoteStore) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[string]model.ExchangeRateQuote),
	}
}

// Resolve возвращает курс для пары валют на дату и признак точного совпадения даты.
// Хранилище содержит только котировки USD к локальной валюте; обратное
// направление считается как 1/курс.
func (r *Resolver) Resolve(ctx context.Context, date time.Time, from, to model.Currency) (decimal.Decimal, bool, error) {
	if from == to {
		return decimal.NewFromInt(1), true, nil
	}

	switch {
	case from == model.CurrencyUSD && to == model.CurrencyUZS:
		quote, exact, err := r.lookup(ctx, date)
		if err != nil {
			return decimal.Decimal{}, false, err
		}
		return quote.Rate, exact, nil

	case from == model.CurrencyUZS && to == model.CurrencyUSD:
		quote, exact, err := r.lookup(ctx, date)
		if err != nil {
			return decimal.Decimal{}, false, err
		}
		return decimal.NewFromInt(1).Div(quote.Rate), exact, nil
	}

	return decimal.Decimal{}, false, fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, from, to)
}

func (r *Resolver) lookup(ctx context.Context, date time.Time) (model.ExchangeRateQuote, bool, error) {
	day := truncateToDay(date)
	key := day.Format("2006-01-02")

	r.mu.RLock()
	quote, ok := r.cache[key]
	r.mu.RUnlock()

	if ok {
		return quote, true, nil
	}

	found, err := r.store.GetQuoteOnOrBefore(ctx, day)
	if err != nil {
		if errors.Is(err, ErrQuoteNotFound) {
			return model.ExchangeRateQuote{}, false, &NoRateError{
				Date: day,
				From: model.CurrencyUSD,
				To:   model.CurrencyUZS,
			}
		}
		return model.ExchangeRateQuote{}, false, fmt.Errorf("lookup quote: %w", err)
	}

	quote = *found
	exact := truncateToDay(quote.Date).Equal(day)

	// Кэшируются только точные совпадения: результат подбора по предыдущей
	// дате устарел бы, как только в хранилище появится котировка на саму дату.
	if exact {
		r.mu.Lock()
		r.cache[key] = quote
		r.mu.Unlock()
	}

	return quote, exact, nil
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
