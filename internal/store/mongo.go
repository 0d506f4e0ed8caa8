package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"bazaar/internal/domain"
)

const mongoTimeout = 5 * time.Second

type productDoc struct {
	ID     string `bson:"_id"`
	Seller string `bson:"seller"`
	Name   string `bson:"name"`
	Price  string `bson:"price"`
	Stock  int    `bson:"stock"`
}

type sellerDoc struct {
	PubKey    string                 `bson:"_id"`
	Active    bool                   `bson:"active"`
	Relays    []string               `bson:"relays"`
	Signer    string                 `bson:"signer"`
	Lightning domain.LightningConfig `bson:"lightning"`
}

type invoiceDoc struct {
	PaymentHash string    `bson:"_id"`
	Preimage    string    `bson:"preimage"`
	OrderID     string    `bson:"order_id"`
	Seller      string    `bson:"seller"`
	Buyer       string    `bson:"buyer"`
	ProductIDs  []string  `bson:"product_ids"`
	Amount      int64     `bson:"amount"`
	Invoice     string    `bson:"invoice"`
	Status      string    `bson:"status"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type reservationDoc struct {
	PaymentHash string    `bson:"payment_hash"`
	ProductID   string    `bson:"product_id"`
	Seller      string    `bson:"seller"`
	Quantity    int       `bson:"quantity"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

type claimDoc struct {
	Seller    string    `bson:"seller"`
	OrderID   string    `bson:"order_id"`
	ClaimedAt time.Time `bson:"claimed_at"`
}

type queueDoc struct {
	PaymentHash string    `bson:"_id"`
	Preimage    string    `bson:"preimage"`
	Seller      string    `bson:"seller"`
	Attempts    int       `bson:"attempts"`
	LastError   string    `bson:"last_error"`
	NextRetryAt time.Time `bson:"next_retry_at"`
}

// MongoStore is the production SettlementStore.
type MongoStore struct {
	clk          clockwork.Clock
	products     *mongo.Collection
	sellers      *mongo.Collection
	invoices     *mongo.Collection
	claims       *mongo.Collection
	reservations *mongo.Collection
	queue        *mongo.Collection
}

// NewMongoStore binds the store to dbName.
func NewMongoStore(client *mongo.Client, dbName string, opts ...Option) *MongoStore {
	o := buildOptions(opts)
	db := client.Database(dbName)
	return &MongoStore{
		clk:          o.clock,
		products:     db.Collection("products"),
		sellers:      db.Collection("sellers"),
		invoices:     db.Collection("hold_invoices"),
		claims:       db.Collection("order_claims"),
		reservations: db.Collection("reservations"),
		queue:        db.Collection("settlement_queue"),
	}
}

// ConnectMongo dials uri and pings the primary.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the indexes the settlement invariants rely on. The
// unique (seller, order_id) indexes are the cross-process duplicate guard.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.claims.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "seller", Value: 1}, {Key: "order_id", Value: 1}},
		Options: mongoopts.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	_, err = s.invoices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "seller", Value: 1}, {Key: "order_id", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "seller", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.reservations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "payment_hash", Value: 1}, {Key: "product_id", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "seller", Value: 1}, {Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.queue.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller", Value: 1}, {Key: "next_retry_at", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = s.products.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller", Value: 1}},
	})
	return err
}

// PutProduct upserts a product.
func (s *MongoStore) PutProduct(ctx context.Context, p domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	doc := productDoc{ID: p.ID, Seller: p.Seller, Name: p.Name, Price: p.Price.String(), Stock: p.Stock}
	_, err := s.products.ReplaceOne(ctx, bson.M{"_id": p.ID}, doc, mongoopts.Replace().SetUpsert(true))
	return err
}

// PutSeller upserts a seller.
func (s *MongoStore) PutSeller(ctx context.Context, sl domain.Seller) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	doc := sellerDoc{
		PubKey:    sl.PubKey,
		Active:    sl.Active,
		Relays:    sl.Relays,
		Signer:    string(sl.Signer),
		Lightning: sl.Lightning,
	}
	_, err := s.sellers.ReplaceOne(ctx, bson.M{"_id": sl.PubKey}, doc, mongoopts.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ProductPrice(ctx context.Context, seller, productID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc productDoc
	err := s.products.FindOne(ctx, bson.M{"_id": productID, "seller": seller}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return decimal.Zero, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(doc.Price)
}

func (s *MongoStore) ClaimOrder(ctx context.Context, seller, orderID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.claims.InsertOne(ctx, claimDoc{Seller: seller, OrderID: orderID, ClaimedAt: at.UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrDuplicateOrder)
	}
	return err
}

func (s *MongoStore) ReleaseOrder(ctx context.Context, seller, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	_, err := s.claims.DeleteOne(ctx, bson.M{"seller": seller, "order_id": orderID})
	return err
}

// ReserveInventory decrements each product with a guarded $inc. A product
// that cannot cover its quantity rolls back the decrements already applied.
func (s *MongoStore) ReserveInventory(
	ctx context.Context,
	seller string,
	productIDs []string,
	paymentHash string,
	expiresAt time.Time,
) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	want := quantities(productIDs)
	applied := make(map[string]int, len(want))
	rollback := func() {
		for id, n := range applied {
			_, _ = s.products.UpdateOne(context.Background(),
				bson.M{"_id": id}, bson.M{"$inc": bson.M{"stock": n}})
		}
	}

	for id, n := range want {
		res, err := s.products.UpdateOne(ctx,
			bson.M{"_id": id, "seller": seller, "stock": bson.M{"$gte": n}},
			bson.M{"$inc": bson.M{"stock": -n}},
		)
		if err != nil {
			rollback()
			return false, err
		}
		if res.ModifiedCount == 0 {
			rollback()
			return false, nil
		}
		applied[id] = n
	}

	docs := make([]any, 0, len(want))
	for id, n := range want {
		docs = append(docs, reservationDoc{
			PaymentHash: paymentHash,
			ProductID:   id,
			Seller:      seller,
			Quantity:    n,
			ExpiresAt:   expiresAt.UTC(),
		})
	}
	if _, err := s.reservations.InsertMany(ctx, docs); err != nil {
		rollback()
		_, _ = s.reservations.DeleteMany(context.Background(), bson.M{"payment_hash": paymentHash})
		return false, err
	}
	return true, nil
}

func (s *MongoStore) DeleteReservation(ctx context.Context, paymentHash string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	rs, err := s.findReservations(ctx, paymentHash)
	if err != nil {
		return err
	}
	for _, r := range rs {
		res, err := s.reservations.DeleteOne(ctx, bson.M{"payment_hash": paymentHash, "product_id": r.ProductID})
		if err != nil {
			return err
		}
		// Only the caller that removed the row restocks.
		if res.DeletedCount == 0 {
			continue
		}
		if _, err := s.products.UpdateOne(ctx,
			bson.M{"_id": r.ProductID}, bson.M{"$inc": bson.M{"stock": r.Quantity}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) CompleteReservation(ctx context.Context, paymentHash string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	_, err := s.reservations.DeleteMany(ctx, bson.M{"payment_hash": paymentHash})
	return err
}

func (s *MongoStore) findReservations(ctx context.Context, paymentHash string) ([]reservationDoc, error) {
	cur, err := s.reservations.Find(ctx, bson.M{"payment_hash": paymentHash})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rs []reservationDoc
	if err := cur.All(ctx, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *MongoStore) ExpiredReservations(ctx context.Context, seller string, now time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	raw, err := s.reservations.Distinct(ctx, "payment_hash",
		bson.M{"seller": seller, "expires_at": bson.M{"$lte": now.UTC()}})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if h, ok := v.(string); ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MongoStore) SaveHoldInvoice(ctx context.Context, inv domain.HoldInvoice) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.invoices.InsertOne(ctx, toInvoiceDoc(inv))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("order %s: %w", inv.OrderID, domain.ErrDuplicateOrder)
	}
	return err
}

func (s *MongoStore) AttachInvoice(ctx context.Context, paymentHash, invoice string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.invoices.UpdateOne(ctx, bson.M{"_id": paymentHash},
		bson.M{"$set": bson.M{"invoice": invoice, "updated_at": s.clk.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) HoldInvoiceByOrder(ctx context.Context, seller, orderID string) (domain.HoldInvoice, error) {
	return s.findInvoice(ctx, bson.M{"seller": seller, "order_id": orderID})
}

func (s *MongoStore) HoldInvoice(ctx context.Context, paymentHash string) (domain.HoldInvoice, error) {
	return s.findInvoice(ctx, bson.M{"_id": paymentHash})
}

func (s *MongoStore) findInvoice(ctx context.Context, filter bson.M) (domain.HoldInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc invoiceDoc
	err := s.invoices.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.HoldInvoice{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.HoldInvoice{}, err
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) PendingInvoices(ctx context.Context, seller string) ([]domain.HoldInvoice, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := mongoopts.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.invoices.Find(ctx, bson.M{"seller": seller, "status": string(domain.InvoicePending)}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []invoiceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.HoldInvoice, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (s *MongoStore) UpdateInvoiceStatus(ctx context.Context, paymentHash string, status domain.InvoiceStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.invoices.UpdateOne(ctx, bson.M{"_id": paymentHash},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": s.clk.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetPreimage(ctx context.Context, paymentHash string) (string, error) {
	inv, err := s.HoldInvoice(ctx, paymentHash)
	if err != nil {
		return "", err
	}
	if inv.Preimage == "" {
		return "", domain.ErrNotFound
	}
	return inv.Preimage, nil
}

func (s *MongoStore) QueueFailedSettlement(ctx context.Context, e domain.FailedSettlement) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	doc := queueDoc{
		PaymentHash: e.PaymentHash,
		Preimage:    e.Preimage,
		Seller:      e.Seller,
		Attempts:    e.Attempts,
		LastError:   e.LastError,
		NextRetryAt: e.NextRetryAt.UTC(),
	}
	_, err := s.queue.ReplaceOne(ctx, bson.M{"_id": e.PaymentHash}, doc, mongoopts.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) FailedSettlement(ctx context.Context, paymentHash string) (domain.FailedSettlement, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var d queueDoc
	err := s.queue.FindOne(ctx, bson.M{"_id": paymentHash}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.FailedSettlement{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FailedSettlement{}, err
	}
	return d.toDomain(), nil
}

func (s *MongoStore) DueSettlements(ctx context.Context, seller string, now time.Time) ([]domain.FailedSettlement, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := mongoopts.Find().SetSort(bson.D{{Key: "next_retry_at", Value: 1}})
	cur, err := s.queue.Find(ctx, bson.M{"seller": seller, "next_retry_at": bson.M{"$lte": now.UTC()}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []queueDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.FailedSettlement, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (s *MongoStore) RescheduleFailedSettlement(ctx context.Context, paymentHash string, next time.Time, lastErr string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.queue.UpdateOne(ctx, bson.M{"_id": paymentHash}, bson.M{
		"$set": bson.M{"next_retry_at": next.UTC(), "last_error": lastErr},
		"$inc": bson.M{"attempts": 1},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) RemoveFailedSettlement(ctx context.Context, paymentHash string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	_, err := s.queue.DeleteOne(ctx, bson.M{"_id": paymentHash})
	return err
}

func (s *MongoStore) Seller(ctx context.Context, pubkey string) (domain.Seller, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc sellerDoc
	err := s.sellers.FindOne(ctx, bson.M{"_id": pubkey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Seller{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Seller{}, err
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) ActiveSellers(ctx context.Context) ([]domain.Seller, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := mongoopts.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.sellers.Find(ctx, bson.M{"active": true}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []sellerDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Seller, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func toInvoiceDoc(inv domain.HoldInvoice) invoiceDoc {
	return invoiceDoc{
		PaymentHash: inv.PaymentHash,
		Preimage:    inv.Preimage,
		OrderID:     inv.OrderID,
		Seller:      inv.Seller,
		Buyer:       inv.Buyer,
		ProductIDs:  inv.ProductIDs,
		Amount:      inv.Amount,
		Invoice:     inv.Invoice,
		Status:      string(inv.Status),
		CreatedAt:   inv.CreatedAt.UTC(),
		UpdatedAt:   inv.UpdatedAt.UTC(),
	}
}

func (d invoiceDoc) toDomain() domain.HoldInvoice {
	return domain.HoldInvoice{
		PaymentHash: d.PaymentHash,
		Preimage:    d.Preimage,
		OrderID:     d.OrderID,
		Seller:      d.Seller,
		Buyer:       d.Buyer,
		ProductIDs:  d.ProductIDs,
		Amount:      d.Amount,
		Invoice:     d.Invoice,
		Status:      domain.InvoiceStatus(d.Status),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (d queueDoc) toDomain() domain.FailedSettlement {
	return domain.FailedSettlement{
		PaymentHash: d.PaymentHash,
		Preimage:    d.Preimage,
		Seller:      d.Seller,
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		NextRetryAt: d.NextRetryAt,
	}
}

func (d sellerDoc) toDomain() domain.Seller {
	sl := domain.Seller{
		PubKey:    d.PubKey,
		Active:    d.Active,
		Relays:    d.Relays,
		Lightning: d.Lightning,
	}
	if d.Signer != "" {
		sl.Signer = json.RawMessage(d.Signer)
	}
	return sl
}

// Compile-time assertion that MongoStore implements domain.SettlementStore.
var _ domain.SettlementStore = (*MongoStore)(nil)
