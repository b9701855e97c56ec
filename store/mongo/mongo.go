/*
Package mongo provides a MongoDB implementation of ledger.Repository.

PURPOSE:
  Stores each MonthlyLedger as one document in "monthly_ledgers", entries
  embedded in stored order. A month is always read and written whole.

INTERFACES IMPLEMENTED:
  ledger.Repository: monthly_ledgers collection
  ledger.StockSink:  products collection, field inventory.currentStock
                     (read back by GetProductStock)

INDEXES:
  - (theaterId, productId, year, month) unique: one document per month
  - (theaterId, productId, period): ordered and ranged reads

DECIMALS:
  Quantities are stored as BSON Decimal128 so they stay exact and remain
  usable in aggregation pipelines.

TRANSACTIONS:
  SaveAll runs in a session transaction, which needs a replica set.
  Save is a single upsert.

SEE ALSO:
  - ledger/store.go: Repository contract
  - store/sqlite: Relational implementation
*/
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/warp/concession-ledger/ledger"
)

const (
	ledgersCollection  = "monthly_ledgers"
	productsCollection = "products"
)

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// Store implements ledger.Repository and ledger.StockSink.
type Store struct {
	db       *mongo.Database
	ledgers  *mongo.Collection
	products *mongo.Collection
}

// New wraps a database and ensures indexes exist.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		db:       db,
		ledgers:  db.Collection(ledgersCollection),
		products: db.Collection(productsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "theaterId", Value: 1},
				{Key: "productId", Value: 1},
				{Key: "year", Value: 1},
				{Key: "month", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "theaterId", Value: 1},
				{Key: "productId", Value: 1},
				{Key: "period", Value: 1},
			},
		},
	}
	if _, err := s.ledgers.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create ledger indexes: %w", err)
	}

	productIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "theaterId", Value: 1}, {Key: "productId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.products.Indexes().CreateOne(ctx, productIndex); err != nil {
		return fmt.Errorf("failed to create product indexes: %w", err)
	}
	return nil
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// =============================================================================
// LEDGER REPOSITORY
// =============================================================================

func (s *Store) Get(ctx context.Context, key ledger.MonthKey) (*ledger.MonthlyLedger, error) {
	var doc monthDocument
	err := s.ledgers.FindOne(ctx, monthFilter(key)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", key, ledger.ErrLedgerNotFound)
		}
		return nil, fmt.Errorf("failed to find monthly ledger: %w", err)
	}
	return doc.toLedger()
}

func (s *Store) List(ctx context.Context, key ledger.StockKey) ([]*ledger.MonthlyLedger, error) {
	return s.find(ctx, stockFilter(key))
}

func (s *Store) ListRange(ctx context.Context, key ledger.StockKey, from, to ledger.Month) ([]*ledger.MonthlyLedger, error) {
	filter := stockFilter(key)
	filter["period"] = bson.M{"$gte": period(from), "$lte": period(to)}
	return s.find(ctx, filter)
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]*ledger.MonthlyLedger, error) {
	opts := options.Find().SetSort(bson.D{{Key: "period", Value: 1}})
	cursor, err := s.ledgers.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find monthly ledgers: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []monthDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode monthly ledgers: %w", err)
	}

	out := make([]*ledger.MonthlyLedger, 0, len(docs))
	for i := range docs {
		m, err := docs[i].toLedger()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, m *ledger.MonthlyLedger) error {
	return s.upsert(ctx, m)
}

// SaveAll upserts every month inside one session transaction.
func (s *Store) SaveAll(ctx context.Context, ms []*ledger.MonthlyLedger) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		for _, m := range ms {
			if err := s.upsert(sessCtx, m); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (s *Store) upsert(ctx context.Context, m *ledger.MonthlyLedger) error {
	c := m.Clone()
	c.RecomputeTotals()
	doc, err := fromLedger(c)
	if err != nil {
		return fmt.Errorf("failed to encode monthly ledger %s: %w", c.Key, err)
	}

	opts := options.Update().SetUpsert(true)
	if _, err := s.ledgers.UpdateOne(ctx, monthFilter(c.Key), bson.M{"$set": doc}, opts); err != nil {
		return fmt.Errorf("failed to save monthly ledger %s: %w", c.Key, err)
	}
	return nil
}

// Keys groups documents by (theaterId, productId).
func (s *Store) Keys(ctx context.Context) ([]ledger.StockKey, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: bson.D{
			{Key: "theaterId", Value: "$theaterId"},
			{Key: "productId", Value: "$productId"},
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.theaterId", Value: 1}, {Key: "_id.productId", Value: 1}}}},
	}
	cursor, err := s.ledgers.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stock keys: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID struct {
			TheaterID string `bson:"theaterId"`
			ProductID string `bson:"productId"`
		} `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode stock keys: %w", err)
	}

	keys := make([]ledger.StockKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, ledger.StockKey{TheaterID: ledger.TheaterID(r.ID.TheaterID), ProductID: ledger.ProductID(r.ID.ProductID)})
	}
	return keys, nil
}

// =============================================================================
// PRODUCT STOCK
// =============================================================================

// UpdateProductStock sets inventory.currentStock on the product document.
func (s *Store) UpdateProductStock(ctx context.Context, productID ledger.ProductID, theaterID ledger.TheaterID, update ledger.StockUpdate) error {
	stock, err := toDecimal128(update.CurrentStock)
	if err != nil {
		return err
	}
	filter := bson.M{"theaterId": string(theaterID), "productId": string(productID)}
	set := bson.M{"$set": bson.M{
		"inventory.currentStock": stock,
		"inventory.month":        update.Month.String(),
		"updatedAt":              time.Now().UTC(),
	}}
	if _, err := s.products.UpdateOne(ctx, filter, set, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to update product stock %s/%s: %w", theaterID, productID, err)
	}
	return nil
}

// GetProductStock returns the last pushed stock figure.
func (s *Store) GetProductStock(ctx context.Context, theaterID ledger.TheaterID, productID ledger.ProductID) (*ledger.ProductStock, error) {
	var doc productDocument
	filter := bson.M{"theaterId": string(theaterID), "productId": string(productID)}
	err := s.products.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s/%s: %w", theaterID, productID, ledger.ErrProductNotFound)
		}
		return nil, fmt.Errorf("failed to find product stock: %w", err)
	}
	return doc.toProductStock()
}

// Reset drops every ledger and product stock document. Demo scenarios only.
func (s *Store) Reset(ctx context.Context) error {
	for _, c := range []*mongo.Collection{s.ledgers, s.products} {
		if _, err := c.DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("failed to reset %s: %w", c.Name(), err)
		}
	}
	return nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type monthDocument struct {
	TheaterID                string               `bson:"theaterId"`
	ProductID                string               `bson:"productId"`
	Year                     int                  `bson:"year"`
	Month                    int                  `bson:"month"`
	Period                   int                  `bson:"period"`
	CarryForward             primitive.Decimal128 `bson:"carryForward"`
	ExpiredCarryForwardStock primitive.Decimal128 `bson:"expiredCarryForwardStock"`
	Entries                  []entryDocument      `bson:"entries"`
	Totals                   totalsDocument       `bson:"totals"`
	CreatedAt                time.Time            `bson:"createdAt"`
	UpdatedAt                time.Time            `bson:"updatedAt"`
}

type productDocument struct {
	TheaterID string `bson:"theaterId"`
	ProductID string `bson:"productId"`
	Inventory struct {
		CurrentStock primitive.Decimal128 `bson:"currentStock"`
		Month        string               `bson:"month"`
	} `bson:"inventory"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (doc *productDocument) toProductStock() (*ledger.ProductStock, error) {
	p := decimalParser{}
	ps := &ledger.ProductStock{
		TheaterID:    ledger.TheaterID(doc.TheaterID),
		ProductID:    ledger.ProductID(doc.ProductID),
		CurrentStock: p.parse(doc.Inventory.CurrentStock),
		UpdatedAt:    doc.UpdatedAt,
	}
	if p.err != nil {
		return nil, fmt.Errorf("corrupt product stock %s/%s: %w", doc.TheaterID, doc.ProductID, p.err)
	}
	month, err := ledger.ParseMonth(doc.Inventory.Month)
	if err != nil {
		return nil, fmt.Errorf("corrupt product stock %s/%s: %w", doc.TheaterID, doc.ProductID, err)
	}
	ps.Month = month
	return ps, nil
}

type totalsDocument struct {
	StockAdded   primitive.Decimal128 `bson:"totalStockAdded"`
	UsedStock    primitive.Decimal128 `bson:"totalUsedStock"`
	ExpiredStock primitive.Decimal128 `bson:"totalExpiredStock"`
	DamageStock  primitive.Decimal128 `bson:"totalDamageStock"`
}

type entryDocument struct {
	ID             string                `bson:"id"`
	Date           time.Time             `bson:"date"`
	Type           string                `bson:"type"`
	Quantity       primitive.Decimal128  `bson:"quantity"`
	StockAdded     primitive.Decimal128  `bson:"stockAdded"`
	UsedStock      primitive.Decimal128  `bson:"usedStock"`
	ExpiredStock   primitive.Decimal128  `bson:"expiredStock"`
	DamageStock    primitive.Decimal128  `bson:"damageStock"`
	Balance        primitive.Decimal128  `bson:"balance"`
	UsedOverride   *primitive.Decimal128 `bson:"usedOverride,omitempty"`
	DamageOverride *primitive.Decimal128 `bson:"damageOverride,omitempty"`
	ExpireDate     *time.Time            `bson:"expireDate,omitempty"`
	BatchNumber    string                `bson:"batchNumber,omitempty"`
	Notes          string                `bson:"notes,omitempty"`
	CreatedAt      time.Time             `bson:"createdAt"`
	UpdatedAt      time.Time             `bson:"updatedAt"`
}

func period(m ledger.Month) int { return m.Year*100 + int(m.Month) }

func monthFilter(k ledger.MonthKey) bson.M {
	return bson.M{
		"theaterId": string(k.TheaterID),
		"productId": string(k.ProductID),
		"year":      k.Month.Year,
		"month":     int(k.Month.Month),
	}
}

func stockFilter(k ledger.StockKey) bson.M {
	return bson.M{"theaterId": string(k.TheaterID), "productId": string(k.ProductID)}
}

// fromLedger converts a ledger to its document. It fails when a quantity
// has more significant digits than Decimal128 holds.
func fromLedger(m *ledger.MonthlyLedger) (monthDocument, error) {
	enc := decimalEncoder{}
	doc := monthDocument{
		TheaterID:                string(m.Key.TheaterID),
		ProductID:                string(m.Key.ProductID),
		Year:                     m.Key.Month.Year,
		Month:                    int(m.Key.Month.Month),
		Period:                   period(m.Key.Month),
		CarryForward:             enc.encode(m.CarryForward),
		ExpiredCarryForwardStock: enc.encode(m.ExpiredCarryForwardStock),
		Totals: totalsDocument{
			StockAdded:   enc.encode(m.Totals.StockAdded),
			UsedStock:    enc.encode(m.Totals.UsedStock),
			ExpiredStock: enc.encode(m.Totals.ExpiredStock),
			DamageStock:  enc.encode(m.Totals.DamageStock),
		},
		Entries:   make([]entryDocument, 0, len(m.Entries)),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, e := range m.Entries {
		doc.Entries = append(doc.Entries, entryDocument{
			ID:             string(e.ID),
			Date:           e.Date,
			Type:           string(e.Type),
			Quantity:       enc.encode(e.Quantity),
			StockAdded:     enc.encode(e.StockAdded),
			UsedStock:      enc.encode(e.UsedStock),
			ExpiredStock:   enc.encode(e.ExpiredStock),
			DamageStock:    enc.encode(e.DamageStock),
			Balance:        enc.encode(e.Balance),
			UsedOverride:   enc.encodePtr(e.UsedOverride),
			DamageOverride: enc.encodePtr(e.DamageOverride),
			ExpireDate:     e.ExpireDate,
			BatchNumber:    e.BatchNumber,
			Notes:          e.Notes,
			CreatedAt:      e.CreatedAt,
			UpdatedAt:      e.UpdatedAt,
		})
	}
	if enc.err != nil {
		return monthDocument{}, enc.err
	}
	return doc, nil
}

func (doc *monthDocument) toLedger() (*ledger.MonthlyLedger, error) {
	p := decimalParser{}
	m := &ledger.MonthlyLedger{
		Key: ledger.MonthKey{
			TheaterID: ledger.TheaterID(doc.TheaterID),
			ProductID: ledger.ProductID(doc.ProductID),
			Month:     ledger.Month{Year: doc.Year, Month: time.Month(doc.Month)},
		},
		CarryForward:             p.parse(doc.CarryForward),
		ExpiredCarryForwardStock: p.parse(doc.ExpiredCarryForwardStock),
		Totals: ledger.Totals{
			StockAdded:   p.parse(doc.Totals.StockAdded),
			UsedStock:    p.parse(doc.Totals.UsedStock),
			ExpiredStock: p.parse(doc.Totals.ExpiredStock),
			DamageStock:  p.parse(doc.Totals.DamageStock),
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, ed := range doc.Entries {
		e := ledger.Entry{
			ID:             ledger.EntryID(ed.ID),
			Date:           ed.Date,
			Type:           ledger.EntryType(ed.Type),
			Quantity:       p.parse(ed.Quantity),
			StockAdded:     p.parse(ed.StockAdded),
			UsedStock:      p.parse(ed.UsedStock),
			ExpiredStock:   p.parse(ed.ExpiredStock),
			DamageStock:    p.parse(ed.DamageStock),
			Balance:        p.parse(ed.Balance),
			UsedOverride:   p.parsePtr(ed.UsedOverride),
			DamageOverride: p.parsePtr(ed.DamageOverride),
			ExpireDate:     ed.ExpireDate,
			BatchNumber:    ed.BatchNumber,
			Notes:          ed.Notes,
			CreatedAt:      ed.CreatedAt,
			UpdatedAt:      ed.UpdatedAt,
		}
		m.Entries = append(m.Entries, e)
	}
	if p.err != nil {
		return nil, fmt.Errorf("corrupt monthly ledger %s: %w", m.Key, p.err)
	}
	return m, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("decimal %s out of Decimal128 range: %w", d, err)
	}
	return v, nil
}

// decimalEncoder remembers the first conversion error.
type decimalEncoder struct {
	err error
}

func (e *decimalEncoder) encode(d decimal.Decimal) primitive.Decimal128 {
	v, err := toDecimal128(d)
	if err != nil && e.err == nil {
		e.err = err
	}
	return v
}

func (e *decimalEncoder) encodePtr(d *decimal.Decimal) *primitive.Decimal128 {
	if d == nil {
		return nil
	}
	v := e.encode(*d)
	return &v
}

type decimalParser struct {
	err error
}

func (p *decimalParser) parse(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func (p *decimalParser) parsePtr(v *primitive.Decimal128) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := p.parse(*v)
	return &d
}
