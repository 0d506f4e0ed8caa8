package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"bazaar/internal/domain"
)

type orderKey struct{ seller, orderID string }

// MemoryStore is an in-process SettlementStore for development and tests.
type MemoryStore struct {
	mu           sync.Mutex
	clk          clockwork.Clock
	products     map[string]domain.Product
	sellers      map[string]domain.Seller
	invoices     map[string]domain.HoldInvoice
	orders       map[orderKey]string
	claims       map[orderKey]time.Time
	reservations map[string][]domain.Reservation
	queue        map[string]domain.FailedSettlement
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		clk:          o.clock,
		products:     make(map[string]domain.Product),
		sellers:      make(map[string]domain.Seller),
		invoices:     make(map[string]domain.HoldInvoice),
		orders:       make(map[orderKey]string),
		claims:       make(map[orderKey]time.Time),
		reservations: make(map[string][]domain.Reservation),
		queue:        make(map[string]domain.FailedSettlement),
	}
}

// PutProduct inserts or replaces a product.
func (s *MemoryStore) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutSeller inserts or replaces a seller.
func (s *MemoryStore) PutSeller(sl domain.Seller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sellers[sl.PubKey] = sl
}

// Stock returns the current stock of a product.
func (s *MemoryStore) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[productID].Stock
}

// Reservations returns the reservations held under a payment hash.
func (s *MemoryStore) Reservations(paymentHash string) []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Reservation(nil), s.reservations[paymentHash]...)
}

func (s *MemoryStore) ProductPrice(_ context.Context, seller, productID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok || (p.Seller != "" && p.Seller != seller) {
		return decimal.Zero, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	return p.Price, nil
}

func (s *MemoryStore) ClaimOrder(_ context.Context, seller, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey{seller, orderID}
	if _, dup := s.claims[key]; dup {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrDuplicateOrder)
	}
	s.claims[key] = at
	return nil
}

func (s *MemoryStore) ReleaseOrder(_ context.Context, seller, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, orderKey{seller, orderID})
	return nil
}

// Claimed reports whether an order is claimed.
func (s *MemoryStore) Claimed(seller, orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[orderKey{seller, orderID}]
	return ok
}

// quantities counts repeated product ids.
func quantities(productIDs []string) map[string]int {
	q := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		q[id]++
	}
	return q
}

func (s *MemoryStore) ReserveInventory(
	_ context.Context,
	seller string,
	productIDs []string,
	paymentHash string,
	expiresAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[paymentHash]; exists {
		return false, fmt.Errorf("reservation for %s already exists", paymentHash)
	}
	want := quantities(productIDs)
	for id, n := range want {
		p, ok := s.products[id]
		if !ok || (p.Seller != "" && p.Seller != seller) || p.Stock < n {
			return false, nil
		}
	}
	rs := make([]domain.Reservation, 0, len(want))
	for id, n := range want {
		p := s.products[id]
		p.Stock -= n
		s.products[id] = p
		rs = append(rs, domain.Reservation{
			PaymentHash: paymentHash,
			ProductID:   id,
			Seller:      seller,
			Quantity:    n,
			ExpiresAt:   expiresAt,
		})
	}
	s.reservations[paymentHash] = rs
	return true, nil
}

func (s *MemoryStore) DeleteReservation(_ context.Context, paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations[paymentHash] {
		if p, ok := s.products[r.ProductID]; ok {
			p.Stock += r.Quantity
			s.products[r.ProductID] = p
		}
	}
	delete(s.reservations, paymentHash)
	return nil
}

func (s *MemoryStore) CompleteReservation(_ context.Context, paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, paymentHash)
	return nil
}

func (s *MemoryStore) ExpiredReservations(_ context.Context, seller string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for hash, rs := range s.reservations {
		for _, r := range rs {
			if r.Seller == seller && !r.ExpiresAt.After(now) {
				out = append(out, hash)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SaveHoldInvoice(_ context.Context, inv domain.HoldInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey{inv.Seller, inv.OrderID}
	if _, dup := s.orders[key]; dup {
		return fmt.Errorf("order %s: %w", inv.OrderID, domain.ErrDuplicateOrder)
	}
	if _, dup := s.invoices[inv.PaymentHash]; dup {
		return fmt.Errorf("payment hash %s: %w", inv.PaymentHash, domain.ErrDuplicateOrder)
	}
	inv.ProductIDs = append([]string(nil), inv.ProductIDs...)
	s.invoices[inv.PaymentHash] = inv
	s.orders[key] = inv.PaymentHash
	return nil
}

func (s *MemoryStore) AttachInvoice(_ context.Context, paymentHash, invoice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[paymentHash]
	if !ok {
		return domain.ErrNotFound
	}
	inv.Invoice = invoice
	inv.UpdatedAt = s.clk.Now()
	s.invoices[paymentHash] = inv
	return nil
}

func (s *MemoryStore) HoldInvoiceByOrder(_ context.Context, seller, orderID string) (domain.HoldInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.orders[orderKey{seller, orderID}]
	if !ok {
		return domain.HoldInvoice{}, domain.ErrNotFound
	}
	return s.invoices[hash], nil
}

func (s *MemoryStore) HoldInvoice(_ context.Context, paymentHash string) (domain.HoldInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[paymentHash]
	if !ok {
		return domain.HoldInvoice{}, domain.ErrNotFound
	}
	return inv, nil
}

func (s *MemoryStore) PendingInvoices(_ context.Context, seller string) ([]domain.HoldInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HoldInvoice
	for _, inv := range s.invoices {
		if inv.Seller == seller && inv.Status == domain.InvoicePending {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateInvoiceStatus(_ context.Context, paymentHash string, status domain.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[paymentHash]
	if !ok {
		return domain.ErrNotFound
	}
	inv.Status = status
	inv.UpdatedAt = s.clk.Now()
	s.invoices[paymentHash] = inv
	return nil
}

func (s *MemoryStore) GetPreimage(_ context.Context, paymentHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[paymentHash]
	if !ok || inv.Preimage == "" {
		return "", domain.ErrNotFound
	}
	return inv.Preimage, nil
}

func (s *MemoryStore) QueueFailedSettlement(_ context.Context, e domain.FailedSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[e.PaymentHash] = e
	return nil
}

func (s *MemoryStore) FailedSettlement(_ context.Context, paymentHash string) (domain.FailedSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[paymentHash]
	if !ok {
		return domain.FailedSettlement{}, domain.ErrNotFound
	}
	return e, nil
}

// QueueLen reports how many settlements are queued for retry.
func (s *MemoryStore) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *MemoryStore) DueSettlements(_ context.Context, seller string, now time.Time) ([]domain.FailedSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FailedSettlement
	for _, e := range s.queue {
		if e.Seller == seller && !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	return out, nil
}

func (s *MemoryStore) RescheduleFailedSettlement(_ context.Context, paymentHash string, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[paymentHash]
	if !ok {
		return domain.ErrNotFound
	}
	e.Attempts++
	e.NextRetryAt = next
	e.LastError = lastErr
	s.queue[paymentHash] = e
	return nil
}

func (s *MemoryStore) RemoveFailedSettlement(_ context.Context, paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, paymentHash)
	return nil
}

func (s *MemoryStore) Seller(_ context.Context, pubkey string) (domain.Seller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sellers[pubkey]
	if !ok {
		return domain.Seller{}, domain.ErrNotFound
	}
	return sl, nil
}

func (s *MemoryStore) ActiveSellers(context.Context) ([]domain.Seller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Seller
	for _, sl := range s.sellers {
		if sl.Active {
			out = append(out, sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PubKey < out[j].PubKey })
	return out, nil
}

// Compile-time assertion that MemoryStore implements domain.SettlementStore.
var _ domain.SettlementStore = (*MemoryStore)(nil)
