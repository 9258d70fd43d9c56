package recorder

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/maastricht-university/edmo-bci/bci"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	startedAt REAL NOT NULL,
	sampleRate REAL NOT NULL,
	channels INTEGER NOT NULL,
	channelLabels TEXT NOT NULL DEFAULT '',
	classes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epochs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	startNs INTEGER NOT NULL,
	endNs INTEGER NOT NULL,
	trialId INTEGER,
	phase TEXT,
	class TEXT,
	samples INTEGER NOT NULL,
	data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS epochs_session ON epochs(sessionId, seq);

CREATE TABLE IF NOT EXISTS trials (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	trialId INTEGER NOT NULL,
	intended TEXT NOT NULL,
	predicted TEXT NOT NULL,
	success INTEGER NOT NULL,
	votes BLOB NOT NULL,
	PRIMARY KEY(sessionId, trialId)
);
`

// SessionInfo describes a recording for the training workshop.
type SessionInfo struct {
	ID            string
	Subject       string
	StartedAt     time.Time
	SampleRate    float64
	Channels      int
	ChannelLabels []string
	Classes       []string
}

// EpochStore keeps labeled epochs in SQLite. Epoch matrices are stored as
// msgpack blobs.
type EpochStore struct {
	db *sql.DB
}

// OpenStore opens or creates the database at path. ":memory:" is allowed.
func OpenStore(path string) (*EpochStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer; also keeps :memory: on one connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &EpochStore{db: db}, nil
}

func (s *EpochStore) Close() error { return s.db.Close() }

func (s *EpochStore) BeginSession(info SessionInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, subject, startedAt, sampleRate, channels, channelLabels, classes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, info.ID, info.Subject, unixSeconds(info.StartedAt), info.SampleRate, info.Channels,
		strings.Join(info.ChannelLabels, ","), strings.Join(info.Classes, ","))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// PutEpoch stores one epoch. Unlabeled epochs are stored too so the
// workshop can use them as unsupervised data.
func (s *EpochStore) PutEpoch(sessionID string, e bci.Epoch) error {
	blob, err := msgpack.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode epoch: %w", err)
	}
	var (
		trial        sql.NullInt64
		phase, class sql.NullString
	)
	if e.Label != nil {
		trial = sql.NullInt64{Int64: int64(e.Label.TrialID), Valid: true}
		phase = sql.NullString{String: string(e.Label.Phase), Valid: true}
		class = sql.NullString{String: e.Label.Class, Valid: true}
	}
	_, err = s.db.Exec(`
		INSERT INTO epochs (sessionId, seq, startNs, endNs, trialId, phase, class, samples, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, int64(e.Seq), int64(e.Start), int64(e.End), trial, phase, class, e.Len(), blob)
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

func (s *EpochStore) PutTrial(sessionID string, r bci.TrialResult) error {
	votes, err := msgpack.Marshal(r.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO trials (sessionId, trialId, intended, predicted, success, votes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, r.TrialID, r.Intended, r.Predicted, r.Success, votes)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

// Epochs returns a session's epochs in stream order.
func (s *EpochStore) Epochs(sessionID string) ([]bci.Epoch, error) {
	rows, err := s.db.Query(`
		SELECT seq, startNs, endNs, trialId, phase, class, data
		FROM epochs
		WHERE sessionId = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []bci.Epoch
	for rows.Next() {
		var (
			e            bci.Epoch
			seq, st, end int64
			trial        sql.NullInt64
			phase, class sql.NullString
			blob         []byte
		)
		if err := rows.Scan(&seq, &st, &end, &trial, &phase, &class, &blob); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		if err := msgpack.Unmarshal(blob, &e.Data); err != nil {
			return nil, fmt.Errorf("decode epoch %d: %w", seq, err)
		}
		e.Seq, e.Start, e.End = uint64(seq), time.Duration(st), time.Duration(end)
		if trial.Valid {
			e.Label = &bci.Label{TrialID: int(trial.Int64), Phase: bci.Phase(phase.String), Class: class.String}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EpochStore) Trials(sessionID string) ([]bci.TrialResult, error) {
	rows, err := s.db.Query(`
		SELECT trialId, intended, predicted, success, votes
		FROM trials
		WHERE sessionId = ?
		ORDER BY trialId ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []bci.TrialResult
	for rows.Next() {
		var (
			r    bci.TrialResult
			blob []byte
		)
		if err := rows.Scan(&r.TrialID, &r.Intended, &r.Predicted, &r.Success, &blob); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if err := msgpack.Unmarshal(blob, &r.Votes); err != nil {
			return nil, fmt.Errorf("decode votes: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of stored and labeled epochs for a session.
func (s *EpochStore) Counts(sessionID string) (total, labeled int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COUNT(class)
		FROM epochs
		WHERE sessionId = ?
	`, sessionID).Scan(&total, &labeled)
	if err != nil {
		return 0, 0, fmt.Errorf("count epochs: %w", err)
	}
	return total, labeled, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
