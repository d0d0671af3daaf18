package proxy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
	_ "github.com/marcboeker/go-duckdb"

	"arctic-delta/config"
	"arctic-delta/table"
)

// DuckDBProxy serves the Postgres wire protocol over an in-process DuckDB.
// Each replicated table is materialized into DuckDB from its current
// snapshot, and re-materialized when a query arrives after a new commit.
type DuckDBProxy struct {
	config   *config.Config
	db       *sql.DB
	listener net.Listener
	logger   *slog.Logger
	mat      *materializer
}

func NewDuckDBProxy(cfg *config.Config, tables []*table.Table, logger *slog.Logger) (*DuckDBProxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	// one connection so every session sees the same in-memory catalog
	db.SetMaxOpenConns(1)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Proxy.Port))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	return &DuckDBProxy{
		config:   cfg,
		db:       db,
		listener: listener,
		logger:   logger,
		mat:      newMaterializer(db, tables, logger),
	}, nil
}

func (p *DuckDBProxy) Addr() net.Addr { return p.listener.Addr() }

func (p *DuckDBProxy) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()
	defer p.db.Close()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				p.logger.Warn("accept failed", "error", err)
				continue
			}
		}

		go p.handleConnection(ctx, conn)
	}
}

func (p *DuckDBProxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	backend := pgproto3.NewBackend(conn, conn)

	startup, err := backend.ReceiveStartupMessage()
	if err != nil {
		return
	}
	if _, ok := startup.(*pgproto3.SSLRequest); ok {
		// no TLS, the client retries in plain text
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return
		}
		if _, err := backend.ReceiveStartupMessage(); err != nil {
			return
		}
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := p.handleQuery(ctx, backend, msg.String); err != nil {
				p.logger.Debug("query failed", "query", msg.String, "error", err)
				p.sendError(backend, err)
				continue
			}

		case *pgproto3.Terminate:
			return
		}
	}
}

func (p *DuckDBProxy) handleQuery(ctx context.Context, backend *pgproto3.Backend, query string) error {
	if err := p.mat.refresh(ctx); err != nil {
		return fmt.Errorf("refreshing tables: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	p.sendRowDescription(backend, columnTypes)

	values := make([]any, len(columnTypes))
	scanArgs := make([]any, len(columnTypes))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return err
		}

		dataRow := &pgproto3.DataRow{Values: make([][]byte, len(columnTypes))}
		for i, val := range values {
			if val == nil {
				continue
			}
			dataRow.Values[i] = []byte(fmt.Sprintf("%v", val))
		}
		backend.Send(dataRow)
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", count))})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

func (p *DuckDBProxy) sendRowDescription(backend *pgproto3.Backend, columns []*sql.ColumnType) {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, col := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name()),
			DataTypeOID:  mapDataTypeToOID(col.DatabaseTypeName()),
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}
	backend.Send(&pgproto3.RowDescription{Fields: fields})
}

func (p *DuckDBProxy) sendError(backend *pgproto3.Backend, err error) {
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "XX000",
		Message:  err.Error(),
	})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	_ = backend.Flush()
}

func mapDataTypeToOID(databaseTypeName string) uint32 {
	switch databaseTypeName {
	case "BOOLEAN", "BOOL":
		return 16
	case "BIGINT", "INT8":
		return 20
	case "INTEGER", "INT4":
		return 23
	case "FLOAT", "REAL", "FLOAT4":
		return 700
	case "DOUBLE", "FLOAT8":
		return 701
	case "BLOB":
		return 17
	case "DATE":
		return 1082
	case "TIMESTAMP":
		return 1114
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return 1184
	default:
		return 25 // text
	}
}

type loadedState struct {
	snapshotID int64
	schemaID   int
}

// materializer copies table scans into DuckDB.
type materializer struct {
	db     *sql.DB
	tables []*table.Table
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[string]loadedState
}

func newMaterializer(db *sql.DB, tables []*table.Table, logger *slog.Logger) *materializer {
	return &materializer{db: db, tables: tables, logger: logger, loaded: make(map[string]loadedState)}
}

func (m *materializer) refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tables {
		sch, err := t.Registry().CurrentSchema()
		if err != nil {
			// nothing replicated yet
			continue
		}
		snap, err := t.Current(ctx)
		if err != nil {
			return err
		}
		state := loadedState{schemaID: sch.ID}
		if snap != nil {
			state.snapshotID = snap.SnapshotID
		}
		if prev, ok := m.loaded[t.Name()]; ok && prev == state {
			continue
		}

		rows, err := t.Scan(ctx, state.snapshotID, nil)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", t.Name(), err)
		}
		if err := m.load(ctx, t.Name(), sch, rows); err != nil {
			return fmt.Errorf("loading %s: %w", t.Name(), err)
		}
		m.loaded[t.Name()] = state
		m.logger.Debug("materialized table", "table", t.Name(), "snapshot", state.snapshotID, "rows", len(rows))
	}
	return nil
}
