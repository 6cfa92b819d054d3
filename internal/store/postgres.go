package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/consultd/internal/conversation"
	"github.com/ent0n29/consultd/internal/transcript"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// PostgresStore persists consultation sessions and patient records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	raw, err := marshalTranscript(rec.Transcript)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO consult_sessions (id, patient_id, mode, language, transcript)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID,
		rec.PatientID,
		rec.Mode,
		rec.Language,
		raw,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, id string, u SessionUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if u.Transcript != nil {
		raw, err := marshalTranscript(*u.Transcript)
		if err != nil {
			return err
		}
		add("transcript = $%d", raw)
	}
	if u.Language != nil {
		add("language = $%d", *u.Language)
	}
	if u.EmergencyFlagged != nil {
		add("emergency_flagged = emergency_flagged OR $%d", *u.EmergencyFlagged)
	}
	if u.EmergencyDetails != nil && *u.EmergencyDetails != "" {
		add("emergency_details = $%d", *u.EmergencyDetails)
	}
	if u.Complete {
		sets = append(sets, "completed_at = COALESCE(completed_at, now())")
	}

	tag, err := s.pool.Exec(ctx, "UPDATE consult_sessions SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var (
		rec SessionRecord
		raw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, patient_id, mode, language, transcript, emergency_flagged, emergency_details,
		        created_at, updated_at, completed_at
		 FROM consult_sessions WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.PatientID, &rec.Mode, &rec.Language, &raw, &rec.EmergencyFlagged,
		&rec.EmergencyDetails, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(raw, &rec.Transcript); err != nil {
		return SessionRecord{}, fmt.Errorf("decode transcript: %w", err)
	}
	return rec, nil
}

// PatientContext reads the patient row, then the record sections in parallel.
func (s *PostgresStore) PatientContext(ctx context.Context, patientID string) (conversation.ClinicalContext, error) {
	out := conversation.ClinicalContext{PatientID: patientID}
	err := s.pool.QueryRow(ctx,
		`SELECT name, age, sex, language FROM patients WHERE id = $1`,
		patientID,
	).Scan(&out.Demographics.Name, &out.Demographics.Age, &out.Demographics.Sex, &out.Demographics.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.ClinicalContext{}, ErrPatientNotFound
	}
	if err != nil {
		return conversation.ClinicalContext{}, fmt.Errorf("load patient: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Allergies, err = s.column(gctx, `SELECT substance FROM patient_allergies WHERE patient_id = $1 ORDER BY substance`, patientID)
		return err
	})
	g.Go(func() error {
		var err error
		out.Conditions, err = s.column(gctx, `SELECT name FROM patient_conditions WHERE patient_id = $1 ORDER BY name`, patientID)
		return err
	})
	g.Go(func() error {
		rows, err := s.pool.Query(gctx,
			`SELECT name, dose, frequency FROM patient_medications WHERE patient_id = $1 ORDER BY name`,
			patientID,
		)
		if err != nil {
			return fmt.Errorf("query medications: %w", err)
		}
		meds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Medication, error) {
			var m conversation.Medication
			err := row.Scan(&m.Name, &m.Dose, &m.Frequency)
			return m, err
		})
		if err != nil {
			return fmt.Errorf("scan medications: %w", err)
		}
		out.Medications = meds
		return nil
	})
	g.Go(func() error {
		rows, err := s.pool.Query(gctx,
			`SELECT title, kind, COALESCE(to_char(recorded_on, 'YYYY-MM-DD'), ''), summary
			 FROM patient_documents WHERE patient_id = $1 ORDER BY recorded_on DESC NULLS LAST`,
			patientID,
		)
		if err != nil {
			return fmt.Errorf("query documents: %w", err)
		}
		docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Document, error) {
			var d conversation.Document
			err := row.Scan(&d.Title, &d.Kind, &d.Date, &d.Summary)
			return d, err
		})
		if err != nil {
			return fmt.Errorf("scan documents: %w", err)
		}
		out.Documents = docs
		return nil
	})
	if err := g.Wait(); err != nil {
		return conversation.ClinicalContext{}, err
	}
	return out, nil
}

func (s *PostgresStore) column(ctx context.Context, query, patientID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient record: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan patient record: %w", err)
	}
	return out, nil
}

// PutPatientContext replaces the patient's record in one transaction.
func (s *PostgresStore) PutPatientContext(ctx context.Context, c conversation.ClinicalContext) error {
	if strings.TrimSpace(c.PatientID) == "" {
		return errors.New("patient id is required")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO patients (id, name, age, sex, language) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, age = EXCLUDED.age,
			   sex = EXCLUDED.sex, language = EXCLUDED.language`,
			c.PatientID, c.Demographics.Name, c.Demographics.Age, c.Demographics.Sex, c.Demographics.Language,
		)
		if err != nil {
			return fmt.Errorf("upsert patient: %w", err)
		}
		for _, table := range []string{"patient_allergies", "patient_conditions", "patient_medications", "patient_documents"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE patient_id = $1", c.PatientID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		batch := &pgx.Batch{}
		for _, a := range c.Allergies {
			batch.Queue(`INSERT INTO patient_allergies (patient_id, substance) VALUES ($1, $2) ON CONFLICT DO NOTHING`, c.PatientID, a)
		}
		for _, cond := range c.Conditions {
			batch.Queue(`INSERT INTO patient_conditions (patient_id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, c.PatientID, cond)
		}
		for _, m := range c.Medications {
			batch.Queue(`INSERT INTO patient_medications (patient_id, name, dose, frequency) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (patient_id, name) DO UPDATE SET dose = EXCLUDED.dose, frequency = EXCLUDED.frequency`,
				c.PatientID, m.Name, m.Dose, m.Frequency)
		}
		for _, d := range c.Documents {
			batch.Queue(`INSERT INTO patient_documents (id, patient_id, title, kind, recorded_on, summary)
			 VALUES ($1, $2, $3, $4, NULLIF($5, '')::date, $6)`,
				uuid.NewString(), c.PatientID, d.Title, d.Kind, d.Date, d.Summary)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("write patient record: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func marshalTranscript(entries []transcript.Entry) ([]byte, error) {
	if entries == nil {
		entries = []transcript.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return raw, nil
}
