package datarecording

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/fatih/structs"
	"github.com/tebeka/atexit"
)

// ClickHouseConfig locates a ClickHouse server.
type ClickHouseConfig struct {
	Addr        string        `yaml:"addr"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// clickhouseWriter batches entries per table and sends them with the native
// protocol.
type clickhouseWriter struct {
	conn clickhouse.Conn

	lock       sync.Mutex
	tables     map[string]*table
	batchSize  int
	entryCount int
	closed     bool
}

// NewClickHouse connects to a ClickHouse server and returns a DataRecorder
// writing into it. Tables are created if they do not exist.
func NewClickHouse(cfg ClickHouseConfig) (DataRecorder, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      cfg.DialTimeout,
		MaxOpenConns:     5,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging ClickHouse at %s: %w", cfg.Addr, err)
	}

	w := &clickhouseWriter{
		conn:      conn,
		tables:    make(map[string]*table),
		batchSize: DefaultBatchSize,
	}

	atexit.Register(func() { _ = w.Flush() })

	return w, nil
}

func clickhouseType(kind reflect.Kind) string {
	switch kind {
	case reflect.Bool:
		return "Bool"
	case reflect.Int, reflect.Int64:
		return "Int64"
	case reflect.Int8:
		return "Int8"
	case reflect.Int16:
		return "Int16"
	case reflect.Int32:
		return "Int32"
	case reflect.Uint, reflect.Uint64:
		return "UInt64"
	case reflect.Uint8:
		return "UInt8"
	case reflect.Uint16:
		return "UInt16"
	case reflect.Uint32:
		return "UInt32"
	case reflect.Float32:
		return "Float32"
	case reflect.Float64:
		return "Float64"
	default:
		return "String"
	}
}

func clickhouseCreateTableSQL(tableName string, sampleEntry any) string {
	t := reflect.TypeOf(sampleEntry)

	columns := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		columns = append(columns, f.Name+" "+clickhouseType(f.Type.Kind()))
	}

	return "CREATE TABLE IF NOT EXISTS " + tableName + " (\n\t" +
		strings.Join(columns, ",\n\t") +
		"\n) ENGINE = MergeTree() ORDER BY tuple()"
}

// plainValues returns the field values of entry converted to their
// underlying kinds, e.g., time.Duration to int64, which the driver accepts
// without custom column types.
func plainValues(entry any) []any {
	values := structs.Values(entry)

	for i, v := range values {
		rv := reflect.ValueOf(v)

		switch rv.Kind() {
		case reflect.Int, reflect.Int64:
			values[i] = rv.Int()
		case reflect.Uint, reflect.Uint64:
			values[i] = rv.Uint()
		case reflect.String:
			values[i] = rv.String()
		case reflect.Bool:
			values[i] = rv.Bool()
		case reflect.Float64:
			values[i] = rv.Float()
		}
	}

	return values
}

func (w *clickhouseWriter) CreateTable(tableName string, sampleEntry any) error {
	if err := checkStructFields(sampleEntry); err != nil {
		return err
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if _, exists := w.tables[tableName]; exists {
		return fmt.Errorf("table %s already exists", tableName)
	}

	err := w.conn.Exec(context.Background(),
		clickhouseCreateTableSQL(tableName, sampleEntry))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", tableName, err)
	}

	w.tables[tableName] = &table{structType: reflect.TypeOf(sampleEntry)}

	return nil
}

func (w *clickhouseWriter) InsertData(tableName string, entry any) error {
	w.lock.Lock()

	table, exists := w.tables[tableName]
	if !exists {
		w.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}

	if reflect.TypeOf(entry) != table.structType {
		w.lock.Unlock()
		return fmt.Errorf("entry %T does not match table %s", entry, tableName)
	}

	table.entries = append(table.entries, entry)
	w.entryCount++

	full := w.entryCount >= w.batchSize
	w.lock.Unlock()

	if full {
		return w.Flush()
	}

	return nil
}

func (w *clickhouseWriter) ListTables() []string {
	w.lock.Lock()
	defer w.lock.Unlock()

	tables := make([]string, 0, len(w.tables))
	for name := range w.tables {
		tables = append(tables, name)
	}

	return tables
}

func (w *clickhouseWriter) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.entryCount == 0 || w.closed {
		return nil
	}

	ctx := context.Background()

	for tableName, table := range w.tables {
		if len(table.entries) == 0 {
			continue
		}

		if err := w.send(ctx, tableName, table.entries); err != nil {
			return err
		}

		table.entries = table.entries[:0]
	}

	w.entryCount = 0

	return nil
}

func (w *clickhouseWriter) send(
	ctx context.Context,
	tableName string,
	entries []any,
) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+tableName)
	if err != nil {
		return fmt.Errorf("preparing batch for %s: %w", tableName, err)
	}

	for _, entry := range entries {
		if err := batch.Append(plainValues(entry)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("appending to %s: %w", tableName, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch to %s: %w", tableName, err)
	}

	return nil
}

func (w *clickhouseWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	return w.conn.Close()
}
