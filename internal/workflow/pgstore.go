package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/sbpm/model"
)

// Schema is the PostgreSQL DDL used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS process_instances (
	id               TEXT PRIMARY KEY,
	process_model_id TEXT NOT NULL,
	owner            TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	failure_message  TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	version          BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS subjects (
	seq                 BIGSERIAL,
	id                  TEXT PRIMARY KEY,
	process_instance_id TEXT NOT NULL REFERENCES process_instances (id),
	subject_model_id    TEXT NOT NULL,
	kind                TEXT NOT NULL,
	user_id             TEXT NOT NULL DEFAULT '',
	current_state       TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	last_changed        TIMESTAMPTZ NOT NULL,
	version             BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS subjects_instance_idx ON subjects (process_instance_id, seq);

CREATE TABLE IF NOT EXISTS messages (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	subject_id      TEXT NOT NULL REFERENCES subjects (id),
	object_model_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL DEFAULT '',
	consumed        BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_subject_idx ON messages (subject_id, seq);

CREATE TABLE IF NOT EXISTS object_instances (
	id                  TEXT PRIMARY KEY,
	process_instance_id TEXT NOT NULL REFERENCES process_instances (id),
	object_model_id     TEXT NOT NULL,
	data                JSONB NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	version             BIGINT NOT NULL,
	UNIQUE (process_instance_id, object_model_id)
);

CREATE TABLE IF NOT EXISTS audit_trail (
	id                  BIGSERIAL PRIMARY KEY,
	process_instance_id TEXT NOT NULL,
	subject_id          TEXT NOT NULL,
	subject_name        TEXT NOT NULL DEFAULT '',
	user_id             TEXT NOT NULL DEFAULT '',
	state_id            TEXT NOT NULL,
	state_name          TEXT NOT NULL DEFAULT '',
	recorded_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_trail_instance_idx ON audit_trail (process_instance_id, recorded_at, id);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each unit of work runs
// in one READ COMMITTED transaction; RetrieveForWrite uses SELECT ... FOR
// UPDATE. Rows read after the instance lock reflect every unit committed
// before it.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies Schema. Statements are idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomically runs fn inside a database transaction.
func (s *PgStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Instances() InstanceRepository { return pgInstances{t.tx} }
func (t *pgTx) Subjects() SubjectRepository   { return pgSubjects{t.tx} }
func (t *pgTx) Messages() MessageRepository   { return pgMessages{t.tx} }
func (t *pgTx) Objects() ObjectRepository     { return pgObjects{t.tx} }
func (t *pgTx) Trail() TrailRepository        { return pgTrail{t.tx} }

// --- Instances ---

type pgInstances struct{ tx pgx.Tx }

const instanceColumns = `id, process_model_id, owner, state, failure_message, started_at, ended_at, version`

func (r pgInstances) Create(ctx context.Context, inst *model.ProcessInstance) error {
	inst.Version = 1
	_, err := r.tx.Exec(ctx, `
		INSERT INTO process_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inst.ID, inst.ProcessModelID, inst.Owner, inst.State, inst.FailureMessage,
		inst.StartedAt, inst.EndedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert process instance: %w", err)
	}
	return nil
}

func (r pgInstances) FindByID(ctx context.Context, id string) (*model.ProcessInstance, error) {
	return r.find(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = $1`, id)
}

func (r pgInstances) RetrieveForWrite(ctx context.Context, id string) (*model.ProcessInstance, error) {
	return r.find(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = $1 FOR UPDATE`, id)
}

func (r pgInstances) find(ctx context.Context, query, id string) (*model.ProcessInstance, error) {
	var inst model.ProcessInstance
	err := r.tx.QueryRow(ctx, query, id).Scan(
		&inst.ID, &inst.ProcessModelID, &inst.Owner, &inst.State, &inst.FailureMessage,
		&inst.StartedAt, &inst.EndedAt, &inst.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("process instance %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query process instance: %w", err)
	}
	return &inst, nil
}

func (r pgInstances) Save(ctx context.Context, inst *model.ProcessInstance) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE process_instances SET
			state = $1,
			failure_message = $2,
			ended_at = $3,
			version = $4
		WHERE id = $5 AND version = $6`,
		inst.State, inst.FailureMessage, inst.EndedAt, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update process instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	return nil
}

// --- Subjects ---

type pgSubjects struct{ tx pgx.Tx }

const subjectColumns = `id, process_instance_id, subject_model_id, kind, user_id, current_state, created_at, last_changed, version`

func (r pgSubjects) Create(ctx context.Context, s *model.Subject) error {
	s.Version = 1
	_, err := r.tx.Exec(ctx, `
		INSERT INTO subjects (`+subjectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.ProcessInstanceID, s.SubjectModelID, s.Kind, s.UserID, s.CurrentState,
		s.CreatedAt, s.LastChanged, s.Version,
	)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

func (r pgSubjects) FindByID(ctx context.Context, id string) (*model.Subject, error) {
	return r.find(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id)
}

func (r pgSubjects) RetrieveForWrite(ctx context.Context, id string) (*model.Subject, error) {
	return r.find(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = $1 FOR UPDATE`, id)
}

func (r pgSubjects) find(ctx context.Context, query, id string) (*model.Subject, error) {
	var s model.Subject
	err := r.tx.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.ProcessInstanceID, &s.SubjectModelID, &s.Kind, &s.UserID, &s.CurrentState,
		&s.CreatedAt, &s.LastChanged, &s.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("subject %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query subject: %w", err)
	}

	inbox, err := r.inbox(ctx, `WHERE m.subject_id = $1`, id)
	if err != nil {
		return nil, err
	}
	s.Inbox = inbox[s.ID]
	return &s, nil
}

func (r pgSubjects) FindByInstance(ctx context.Context, instanceID string) ([]*model.Subject, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+subjectColumns+` FROM subjects
		WHERE process_instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	subjects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Subject, error) {
		var s model.Subject
		err := row.Scan(
			&s.ID, &s.ProcessInstanceID, &s.SubjectModelID, &s.Kind, &s.UserID, &s.CurrentState,
			&s.CreatedAt, &s.LastChanged, &s.Version,
		)
		return &s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan subject: %w", err)
	}

	inbox, err := r.inbox(ctx, `JOIN subjects s ON s.id = m.subject_id WHERE s.process_instance_id = $1`, instanceID)
	if err != nil {
		return nil, err
	}
	for _, s := range subjects {
		s.Inbox = inbox[s.ID]
	}
	return subjects, nil
}

// inbox loads messages grouped by subject in delivery order.
func (r pgSubjects) inbox(ctx context.Context, where string, arg string) (map[string][]model.Message, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT m.id, m.subject_id, m.object_model_id, m.sender_id, m.consumed, m.delivered_at
		FROM messages m `+where+`
		ORDER BY m.seq ASC`,
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Message)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SubjectID, &m.ObjectModelID, &m.SenderID, &m.Consumed, &m.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out[m.SubjectID] = append(out[m.SubjectID], m)
	}
	return out, rows.Err()
}

func (r pgSubjects) Save(ctx context.Context, s *model.Subject) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE subjects SET
			current_state = $1,
			user_id = $2,
			last_changed = $3,
			version = $4
		WHERE id = $5 AND version = $6`,
		s.CurrentState, s.UserID, s.LastChanged, s.Version+1,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("subject %q version conflict (expected %d)", s.ID, s.Version),
		)
	}
	s.Version++
	return nil
}

// --- Messages ---

type pgMessages struct{ tx pgx.Tx }

func (r pgMessages) Append(ctx context.Context, msg model.Message) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO messages (id, subject_id, object_model_id, sender_id, consumed, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SubjectID, msg.ObjectModelID, msg.SenderID, msg.Consumed, msg.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r pgMessages) MarkConsumed(ctx context.Context, subjectID, messageID string) (bool, error) {
	tag, err := r.tx.Exec(ctx, `
		UPDATE messages SET consumed = TRUE
		WHERE id = $1 AND subject_id = $2 AND NOT consumed`,
		messageID, subjectID,
	)
	if err != nil {
		return false, fmt.Errorf("consume message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Objects ---

type pgObjects struct{ tx pgx.Tx }

const objectColumns = `id, process_instance_id, object_model_id, data, created_at, updated_at, version`

func (r pgObjects) GetOrCreate(ctx context.Context, proto model.ObjectInstance) (*model.ObjectInstance, bool, error) {
	dataJSON, err := marshalData(proto.Data)
	if err != nil {
		return nil, false, err
	}

	// The unique key serialises concurrent first touches: a losing insert
	// waits for the winner and then does nothing.
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO object_instances (`+objectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (process_instance_id, object_model_id) DO NOTHING`,
		proto.ID, proto.ProcessInstanceID, proto.ObjectModelID, dataJSON,
		proto.CreatedAt, proto.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert object instance: %w", err)
	}

	rows, err := r.tx.Query(ctx, `
		SELECT `+objectColumns+` FROM object_instances
		WHERE process_instance_id = $1 AND object_model_id = $2`,
		proto.ProcessInstanceID, proto.ObjectModelID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query object instance: %w", err)
	}
	objs, err := collectObjects(rows)
	if err != nil {
		return nil, false, err
	}
	if len(objs) == 0 {
		return nil, false, fmt.Errorf("object instance %s/%s vanished after insert", proto.ProcessInstanceID, proto.ObjectModelID)
	}
	return objs[0], tag.RowsAffected() == 1, nil
}

func (r pgObjects) FindByInstance(ctx context.Context, instanceID string) ([]*model.ObjectInstance, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+objectColumns+` FROM object_instances
		WHERE process_instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query object instances: %w", err)
	}
	return collectObjects(rows)
}

func (r pgObjects) Save(ctx context.Context, obj *model.ObjectInstance) error {
	dataJSON, err := marshalData(obj.Data)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `
		UPDATE object_instances SET
			data = $1,
			updated_at = $2,
			version = $3
		WHERE id = $4 AND version = $5`,
		dataJSON, obj.UpdatedAt, obj.Version+1,
		obj.ID, obj.Version,
	)
	if err != nil {
		return fmt.Errorf("update object instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("object instance %q version conflict (expected %d)", obj.ID, obj.Version),
		)
	}
	obj.Version++
	return nil
}

func collectObjects(rows pgx.Rows) ([]*model.ObjectInstance, error) {
	defer rows.Close()

	var out []*model.ObjectInstance
	for rows.Next() {
		var obj model.ObjectInstance
		var dataJSON []byte
		if err := rows.Scan(
			&obj.ID, &obj.ProcessInstanceID, &obj.ObjectModelID, &dataJSON,
			&obj.CreatedAt, &obj.UpdatedAt, &obj.Version,
		); err != nil {
			return nil, fmt.Errorf("scan object instance: %w", err)
		}
		obj.Data = map[string]any{}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &obj.Data); err != nil {
				return nil, fmt.Errorf("unmarshal object data: %w", err)
			}
		}
		out = append(out, &obj)
	}
	return out, rows.Err()
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal object data: %w", err)
	}
	return b, nil
}

// --- Trail ---

type pgTrail struct{ tx pgx.Tx }

func (r pgTrail) Append(ctx context.Context, e model.AuditEntry) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO audit_trail (
			process_instance_id, subject_id, subject_name, user_id, state_id, state_name, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ProcessInstanceID, e.SubjectID, e.SubjectName, e.User, e.StateID, e.StateName, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r pgTrail) List(ctx context.Context, instanceID string) ([]model.AuditEntry, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, process_instance_id, subject_id, subject_name, user_id, state_id, state_name, recorded_at
		FROM audit_trail
		WHERE process_instance_id = $1
		ORDER BY recorded_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.ProcessInstanceID, &e.SubjectID, &e.SubjectName, &e.User,
			&e.StateID, &e.StateName, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
