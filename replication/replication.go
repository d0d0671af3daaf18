package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"arctic-delta/config"
)

type Replicator struct {
	config          *config.Config
	logger          *slog.Logger
	dbConn          *pgx.Conn
	replicationConn *pgconn.PgConn
	sink            *Sink
}

func connString(cfg *config.Config) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Database,
	)
}

// NewReplicator connects to the source database and prepares the warehouse
// schema of every configured table.
func NewReplicator(ctx context.Context, cfg *config.Config, open TableOpener, logger *slog.Logger) (*Replicator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Create a regular connection for querying the database
	dbConn, err := pgx.Connect(ctx, connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sink := NewSink(open, logger)

	// Initialize schemas for configured tables. Relations are bound once the
	// stream sends their ids.
	for _, table := range cfg.Tables {
		columns, err := fetchColumns(ctx, dbConn, table.Schema, table.Name)
		if err != nil {
			dbConn.Close(ctx)
			return nil, fmt.Errorf("initializing schema for %s: %w", table.FullName(), err)
		}
		if _, err := sink.Prepare(ctx, table.FullName(), columns); err != nil {
			dbConn.Close(ctx)
			return nil, fmt.Errorf("initializing schema for %s: %w", table.FullName(), err)
		}
	}

	// Create a replication connection using pgconn
	replicationConn, err := pgconn.Connect(ctx, connString(cfg)+"?replication=database")
	if err != nil {
		dbConn.Close(ctx)
		return nil, fmt.Errorf("connecting to postgres for replication: %w", err)
	}

	return &Replicator{
		config:          cfg,
		logger:          logger,
		dbConn:          dbConn,
		replicationConn: replicationConn,
		sink:            sink,
	}, nil
}

func (r *Replicator) Start(ctx context.Context) error {
	defer r.dbConn.Close(context.Background())
	defer r.replicationConn.Close(context.Background())

	// Create replication slot if needed
	if err := r.createReplicationSlot(ctx); err != nil {
		return fmt.Errorf("creating replication slot: %w", err)
	}

	return r.startReplication(ctx)
}

func (r *Replicator) createReplicationSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, r.replicationConn, r.config.Postgres.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Temporary: true,
		Mode:      pglogrepl.LogicalReplication,
	})
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "42710" {
			// slot already exists
			return nil
		}
		return fmt.Errorf("error creating replication slot: %w", err)
	}
	return nil
}

func (r *Replicator) startReplication(ctx context.Context) error {
	// Transactions are not streamed in progress, so a commit message always
	// closes the changes received since its begin.
	err := pglogrepl.StartReplication(ctx, r.replicationConn, r.config.Postgres.Slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '2'",
			"messages 'true'",
			fmt.Sprintf("publication_names '%s'", r.config.Postgres.Publication),
		},
	})
	if err != nil {
		return fmt.Errorf("starting replication: %w", err)
	}

	return r.handleReplication(ctx)
}

func (r *Replicator) handleReplication(ctx context.Context) error {
	var clientXLogPos pglogrepl.LSN
	standbyMessageTimeout := time.Second * 10
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)

	for {
		if time.Now().After(nextStandbyMessageDeadline) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, r.replicationConn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: clientXLogPos,
			})
			if err != nil {
				return fmt.Errorf("SendStandbyStatusUpdate failed: %w", err)
			}
			r.logger.Debug("sent standby status", "lsn", clientXLogPos.String())
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := r.replicationConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("ReceiveMessage failed: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("received Postgres WAL error: %+v", errMsg)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(msg.Data) == 0 {
			return fmt.Errorf("empty CopyData message received")
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("ParsePrimaryKeepaliveMessage failed: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("ParseXLogData failed: %w", err)
			}
			if err := r.handleWAL(ctx, xld.WALData); err != nil {
				return err
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}

		default:
			return fmt.Errorf("unknown replication message type: %c", msg.Data[0])
		}
	}
}

func (r *Replicator) handleWAL(ctx context.Context, walData []byte) error {
	logicalMsg, err := pglogrepl.ParseV2(walData, false)
	if err != nil {
		return fmt.Errorf("parsing logical replication message: %w", err)
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		if err := r.sink.Relation(ctx, m); err != nil {
			return fmt.Errorf("handling relation message: %w", err)
		}

	case *pglogrepl.BeginMessage:
		r.sink.Abort()
		r.logger.Debug("begin transaction", "xid", m.Xid, "lsn", m.FinalLSN.String())

	case *pglogrepl.CommitMessage:
		if err := r.sink.Commit(ctx); err != nil {
			return fmt.Errorf("committing: %w", err)
		}
		r.logger.Debug("commit transaction", "lsn", m.CommitLSN.String())

	case *pglogrepl.InsertMessageV2:
		if err := r.sink.Insert(m.RelationID, m.Tuple); err != nil {
			return fmt.Errorf("handling insert: %w", err)
		}

	case *pglogrepl.UpdateMessageV2:
		if err := r.sink.Update(m.RelationID, m.OldTuple, m.NewTuple); err != nil {
			return fmt.Errorf("handling update: %w", err)
		}

	case *pglogrepl.DeleteMessageV2:
		if err := r.sink.Delete(m.RelationID, m.OldTuple); err != nil {
			return fmt.Errorf("handling delete: %w", err)
		}

	case *pglogrepl.TruncateMessageV2:
		r.logger.Warn("truncate is not replicated", "relations", m.RelationIDs)

	case *pglogrepl.LogicalDecodingMessageV2:
		r.logger.Debug("logical decoding message", "prefix", m.Prefix)

	default:
		r.logger.Debug("ignoring pgoutput message", "type", fmt.Sprintf("%T", logicalMsg))
	}
	return nil
}
