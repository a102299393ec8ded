package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/registry"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,59}$`)

// MySQLStore implements core.RemoteStore on MySQL. Each collection is a table
// with a JSON data column. Change notifications travel over a core.ChangeFeed
// when one is configured, otherwise subscriptions poll.
type MySQLStore struct {
	db             *sql.DB
	clientID       string
	feed           core.ChangeFeed
	requestTimeout time.Duration
	pollInterval   time.Duration

	mu      sync.Mutex
	ensured map[string]bool
	closed  bool
}

// NewMySQLStore opens a connection pool and verifies it with a ping.
func NewMySQLStore(config Config) (*MySQLStore, error) {
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&timeout=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database, config.ConnectionTimeout)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", classifyMySQL(err))
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	log.Printf("[MYSQL] Connected to %s:%d/%s as client %s", config.Host, config.Port, config.Database, clientID)

	return &MySQLStore{
		db:             db,
		clientID:       clientID,
		feed:           config.Feed,
		requestTimeout: config.RequestTimeout,
		pollInterval:   config.StreamPoll,
		ensured:        make(map[string]bool),
	}, nil
}

func tableName(collection string) (string, error) {
	if !identifierPattern.MatchString(collection) {
		return "", fmt.Errorf("%w: invalid collection name %q", core.ErrValidation, collection)
	}
	return "doc_" + collection, nil
}

func (m *MySQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.requestTimeout > 0 {
		return context.WithTimeout(ctx, m.requestTimeout)
	}
	return context.WithCancel(ctx)
}

// ensureTable creates the collection table on first use.
func (m *MySQLStore) ensureTable(ctx context.Context, collection string) (string, error) {
	table, err := tableName(collection)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("%w: mysql store is closed", core.ErrUnavailable)
	}
	if m.ensured[table] {
		return table, nil
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         VARCHAR(64) NOT NULL PRIMARY KEY,
		data       JSON NOT NULL,
		version    BIGINT NOT NULL DEFAULT 1,
		updated_at DATETIME(6) NULL,
		origin     VARCHAR(64) NOT NULL DEFAULT '',
		INDEX idx_updated_at (updated_at)
	)`, table)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		log.Printf("[MYSQL] ERROR: Failed to create table %s: %v", table, err)
		return "", fmt.Errorf("failed to create table %s: %w", table, classifyMySQL(err))
	}
	m.ensured[table] = true
	return table, nil
}

// Create implements core.RemoteStore.
func (m *MySQLStore) Create(ctx context.Context, collection string, doc core.Document) (core.Document, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	table, err := m.ensureTable(ctx, collection)
	if err != nil {
		return core.Document{}, err
	}

	stored := copyDoc(doc)
	stored.ID = uuid.NewString()
	stored.Version = 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	raw, err := encodeData(stored.Data)
	if err != nil {
		return core.Document{}, err
	}

	query := fmt.Sprintf("INSERT INTO %s (id, data, version, updated_at, origin) VALUES (?, ?, ?, ?, ?)", table)
	if _, err := m.db.ExecContext(ctx, query, stored.ID, raw, stored.Version, stored.UpdatedAt.UTC(), m.clientID); err != nil {
		log.Printf("[MYSQL] ERROR: Insert into %s failed: %v", table, err)
		return core.Document{}, fmt.Errorf("failed to create document in %s: %w", collection, classifyMySQL(err))
	}
	log.Printf("[MYSQL] Created %s/%s", collection, stored.ID)

	m.publish(ctx, collection, core.ChangeAdded, stored)
	return stored, nil
}

// Get implements core.RemoteStore.
func (m *MySQLStore) Get(ctx context.Context, collection, id string) (core.Document, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	table, err := m.ensureTable(ctx, collection)
	if err != nil {
		return core.Document{}, err
	}
	return m.get(ctx, m.db, table, collection, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (m *MySQLStore) get(ctx context.Context, q rowQuerier, table, collection, id string) (core.Document, error) {
	query := fmt.Sprintf("SELECT id, data, version, updated_at FROM %s WHERE id = ?", table)
	doc, err := scanDocument(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Document{}, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
		}
		return core.Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, classifyMySQL(err))
	}
	return doc, nil
}

// Set implements core.RemoteStore.
func (m *MySQLStore) Set(ctx context.Context, collection string, doc core.Document) (core.Document, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	table, err := m.ensureTable(ctx, collection)
	if err != nil {
		return core.Document{}, err
	}

	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	raw, err := encodeData(doc.Data)
	if err != nil {
		return core.Document{}, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to begin transaction: %w", classifyMySQL(err))
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE %s SET data = ?, version = version + 1, updated_at = ?, origin = ? WHERE id = ?", table)
	res, err := tx.ExecContext(ctx, query, raw, updatedAt.UTC(), m.clientID, doc.ID)
	if err != nil {
		log.Printf("[MYSQL] ERROR: Update of %s/%s failed: %v", collection, doc.ID, err)
		return core.Document{}, fmt.Errorf("failed to update %s/%s: %w", collection, doc.ID, classifyMySQL(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Document{}, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, doc.ID)
	}

	stored, err := m.get(ctx, tx, table, collection, doc.ID)
	if err != nil {
		return core.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Document{}, fmt.Errorf("failed to commit update: %w", classifyMySQL(err))
	}
	log.Printf("[MYSQL] Updated %s/%s to version %d", collection, doc.ID, stored.Version)

	m.publish(ctx, collection, core.ChangeModified, stored)
	return stored, nil
}

// Delete implements core.RemoteStore.
func (m *MySQLStore) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	table, err := m.ensureTable(ctx, collection)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	res, err := m.db.ExecContext(ctx, query, id)
	if err != nil {
		log.Printf("[MYSQL] ERROR: Delete of %s/%s failed: %v", collection, id, err)
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, classifyMySQL(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[MYSQL] Deleted %s/%s", collection, id)
		m.publish(ctx, collection, core.ChangeRemoved, core.Document{ID: id})
	}
	return nil
}

// Query implements core.RemoteStore.
func (m *MySQLStore) Query(ctx context.Context, collection string, q core.Query) ([]core.Document, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	table, err := m.ensureTable(ctx, collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, data, version, updated_at FROM %s ORDER BY updated_at DESC", table)
	args := []interface{}{}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Printf("[MYSQL] ERROR: Query on %s failed: %v", table, err)
		return nil, fmt.Errorf("failed to query %s: %w", collection, classifyMySQL(err))
	}
	defer rows.Close()

	var docs []core.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, classifyMySQL(err))
	}
	return docs, nil
}

// Subscribe implements core.RemoteStore. With a change feed, events written
// by this client are flagged as pending-write echoes.
func (m *MySQLStore) Subscribe(ctx context.Context, collection string, q core.Query, handler core.ChangeHandler) (core.Subscription, error) {
	if _, err := m.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	if m.feed == nil {
		log.Printf("[MYSQL] No change feed configured, polling %s every %v", collection, m.pollInterval)
		return newPollSubscription(ctx, collection, m.pollInterval, q.Limit, func(ctx context.Context) ([]core.Document, error) {
			return m.Query(ctx, collection, q)
		}, handler), nil
	}

	return m.feed.Subscribe(ctx, collection, func(ev core.ChangeEvent) {
		handler([]core.Change{{
			Type:         ev.Type,
			Doc:          ev.Doc,
			PendingWrite: ev.Origin == m.clientID,
		}})
	})
}

// Batch implements core.RemoteStore.
func (m *MySQLStore) Batch() core.WriteBatch {
	return &mysqlBatch{store: m}
}

// Ping implements core.RemoteStore.
func (m *MySQLStore) Ping(ctx context.Context) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func (m *MySQLStore) publish(ctx context.Context, collection string, changeType core.ChangeType, doc core.Document) {
	if m.feed == nil {
		return
	}
	ev := core.ChangeEvent{
		Collection: collection,
		Type:       changeType,
		Doc:        doc,
		Origin:     m.clientID,
		At:         time.Now().UTC(),
	}
	if err := m.feed.Publish(ctx, ev); err != nil {
		// The write is committed; subscribers catch up on their next full fetch.
		log.Printf("[MYSQL] WARNING: Failed to publish %s event for %s/%s: %v", changeType, collection, doc.ID, err)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (core.Document, error) {
	var (
		doc       core.Document
		raw       []byte
		updatedAt sql.NullTime
	)
	if err := row.Scan(&doc.ID, &raw, &doc.Version, &updatedAt); err != nil {
		return core.Document{}, err
	}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return core.Document{}, fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
	}
	if updatedAt.Valid {
		doc.UpdatedAt = updatedAt.Time.UTC()
	}
	return doc, nil
}

func encodeData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode document: %v", core.ErrValidation, err)
	}
	return raw, nil
}

type mysqlWrite struct {
	collection string
	doc        core.Document
	delete     bool
}

type mysqlBatch struct {
	store  *MySQLStore
	writes []mysqlWrite
}

func (b *mysqlBatch) Set(collection string, doc core.Document) {
	b.writes = append(b.writes, mysqlWrite{collection: collection, doc: copyDoc(doc)})
}

func (b *mysqlBatch) Delete(collection, id string) {
	b.writes = append(b.writes, mysqlWrite{collection: collection, doc: core.Document{ID: id}, delete: true})
}

func (b *mysqlBatch) Len() int { return len(b.writes) }

// Commit applies every write in one MySQL transaction.
func (b *mysqlBatch) Commit(ctx context.Context) error {
	if len(b.writes) == 0 {
		return nil
	}
	m := b.store
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tables := make(map[string]string)
	for _, w := range b.writes {
		if _, ok := tables[w.collection]; ok {
			continue
		}
		table, err := m.ensureTable(ctx, w.collection)
		if err != nil {
			return err
		}
		tables[w.collection] = table
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", classifyMySQL(err))
	}
	defer tx.Rollback()

	for _, w := range b.writes {
		table := tables[w.collection]
		if w.delete {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), w.doc.ID); err != nil {
				return fmt.Errorf("failed to delete %s/%s in batch: %w", w.collection, w.doc.ID, classifyMySQL(err))
			}
			continue
		}
		raw, err := encodeData(w.doc.Data)
		if err != nil {
			return err
		}
		updatedAt := w.doc.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		stmt := fmt.Sprintf(`INSERT INTO %s (id, data, version, updated_at, origin) VALUES (?, ?, 1, ?, ?)
			ON DUPLICATE KEY UPDATE data = VALUES(data), version = version + 1,
			updated_at = VALUES(updated_at), origin = VALUES(origin)`, table)
		if _, err := tx.ExecContext(ctx, stmt, w.doc.ID, raw, updatedAt.UTC(), m.clientID); err != nil {
			return fmt.Errorf("failed to write %s/%s in batch: %w", w.collection, w.doc.ID, classifyMySQL(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", classifyMySQL(err))
	}
	log.Printf("[MYSQL] Committed batch of %d writes", len(b.writes))

	for _, w := range b.writes {
		if w.delete {
			m.publish(ctx, w.collection, core.ChangeRemoved, w.doc)
		} else {
			m.publish(ctx, w.collection, core.ChangeModified, w.doc)
		}
	}
	b.writes = nil
	return nil
}

// MySQLStoreFactory creates MySQL remote stores.
type MySQLStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *MySQLStoreFactory) Type() string {
	return "mysql"
}

// Validate validates the MySQL-specific configuration.
func (f *MySQLStoreFactory) Validate(config Config) error {
	if config.Type != "mysql" {
		return fmt.Errorf("invalid type for MySQL factory: %s", config.Type)
	}
	if config.Host == "" {
		return fmt.Errorf("host is required for MySQL")
	}
	if config.Database == "" {
		return fmt.Errorf("database is required for MySQL")
	}
	return nil
}

// Create creates a new MySQL remote store.
func (f *MySQLStoreFactory) Create(config Config) (core.RemoteStore, error) {
	store, err := NewMySQLStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL remote store: %w", err)
	}
	return store, nil
}

// MySQLConfigValidator validates the mysql section of the internal config.
type MySQLConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *MySQLConfigValidator) Type() string {
	return "mysql"
}

// Validate validates the MySQL-specific configuration in the internal config.
func (v *MySQLConfigValidator) Validate(config *registry.InternalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	my := config.Remote.MySQLConfig
	if my.Host == "" {
		return fmt.Errorf("host is required for MySQL")
	}
	if my.Port <= 0 || my.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", my.Port)
	}
	if my.Database == "" {
		return fmt.Errorf("database is required for MySQL")
	}
	if my.Username == "" {
		return fmt.Errorf("username is required for MySQL")
	}
	if my.MaxOpenConns < 0 || my.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes must be non-negative")
	}
	return nil
}

func init() {
	RegisterFactory(&MySQLStoreFactory{})
	registry.RegisterValidator(&MySQLConfigValidator{})
}
