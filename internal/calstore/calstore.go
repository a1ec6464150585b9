// Package calstore persists calibration sessions, their raw measurements
// and the results of calibration runs in a SQLite database. The schema is
// managed through versioned migrations embedded in the binary.
package calstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/sensorkit/magcal/internal/calibration"
	"github.com/sensorkit/magcal/internal/geomag"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the calibration database.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies any pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; serializing access through a single
	// connection avoids SQLITE_BUSY under concurrent captures.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Session is a named capture of measurements.
type Session struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// CreateSession registers a new capture session and returns its ID.
func (s *Store) CreateSession(name string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.Exec("INSERT INTO sessions (session_id, name) VALUES (?, ?)", id.String(), name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// Sessions lists all sessions, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.Query("SELECT session_id, name, created_at FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var idStr string
		var sess Session
		if err := rows.Scan(&idStr, &sess.Name, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sess.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt session id %q: %w", idStr, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AddMeasurement appends a raw measurement to a session.
func (s *Store) AddMeasurement(sessionID uuid.UUID, m calibration.Measurement) error {
	var lat, lon, alt, roll, pitch, yaw sql.NullFloat64
	if m.Position != nil {
		lat = sql.NullFloat64{Float64: m.Position.LatitudeDeg, Valid: true}
		lon = sql.NullFloat64{Float64: m.Position.LongitudeDeg, Valid: true}
		alt = sql.NullFloat64{Float64: m.Position.AltitudeM, Valid: true}
	}
	if m.Attitude != nil {
		roll = sql.NullFloat64{Float64: m.Attitude.RollRad, Valid: true}
		pitch = sql.NullFloat64{Float64: m.Attitude.PitchRad, Valid: true}
		yaw = sql.NullFloat64{Float64: m.Attitude.YawRad, Valid: true}
	}
	var takenAt sql.NullInt64
	if !m.Time.IsZero() {
		takenAt = sql.NullInt64{Int64: m.Time.UnixNano(), Valid: true}
	}

	_, err := s.Exec(`INSERT INTO measurements
		(session_id, mx, my, mz, sigma, latitude_deg, longitude_deg, altitude_m, roll_rad, pitch_rad, yaw_rad, taken_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID.String(), m.Body[0], m.Body[1], m.Body[2], m.Sigma,
		lat, lon, alt, roll, pitch, yaw, takenAt)
	if err != nil {
		return fmt.Errorf("failed to record measurement: %w", err)
	}
	return nil
}

// Measurements loads all measurements of a session in insertion order.
func (s *Store) Measurements(sessionID uuid.UUID) ([]calibration.Measurement, error) {
	rows, err := s.Query(`SELECT mx, my, mz, sigma,
		latitude_deg, longitude_deg, altitude_m, roll_rad, pitch_rad, yaw_rad, taken_at_ns
		FROM measurements WHERE session_id = ? ORDER BY measurement_id`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calibration.Measurement
	for rows.Next() {
		var m calibration.Measurement
		var lat, lon, alt, roll, pitch, yaw sql.NullFloat64
		var takenAt sql.NullInt64
		if err := rows.Scan(&m.Body[0], &m.Body[1], &m.Body[2], &m.Sigma,
			&lat, &lon, &alt, &roll, &pitch, &yaw, &takenAt); err != nil {
			return nil, err
		}
		if lat.Valid {
			m.Position = &geomag.Position{
				LatitudeDeg:  lat.Float64,
				LongitudeDeg: lon.Float64,
				AltitudeM:    alt.Float64,
			}
		}
		if roll.Valid {
			m.Attitude = &geomag.Attitude{
				RollRad:  roll.Float64,
				PitchRad: pitch.Float64,
				YawRad:   yaw.Float64,
			}
		}
		if takenAt.Valid {
			m.Time = time.Unix(0, takenAt.Int64).UTC()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// StoredResult is a persisted calibration result.
type StoredResult struct {
	RunID       uuid.UUID
	SessionID   uuid.UUID
	Mode        calibration.Mode
	Method      calibration.Method
	Bias        [3]float64
	Distortion  [9]float64
	Covariance  *mat.Dense
	ChiSq       float64
	MSE         float64
	InlierCount int // -1 for a plain least-squares fit
	TotalCount  int
	Started     time.Time
	Finished    time.Time
}

// covarianceJSON is the persisted covariance encoding.
type covarianceJSON struct {
	Rows int       `json:"rows"`
	Data []float64 `json:"data"`
}

// SaveResult persists a calibration result against a session.
func (s *Store) SaveResult(sessionID uuid.UUID, totalCount int, r *calibration.Result) error {
	distortion, err := json.Marshal(r.Distortion[:])
	if err != nil {
		return fmt.Errorf("failed to encode distortion: %w", err)
	}

	var covariance sql.NullString
	if r.Covariance != nil {
		rows, _ := r.Covariance.Dims()
		raw := r.Covariance.RawMatrix()
		enc, err := json.Marshal(covarianceJSON{Rows: rows, Data: raw.Data})
		if err != nil {
			return fmt.Errorf("failed to encode covariance: %w", err)
		}
		covariance = sql.NullString{String: string(enc), Valid: true}
	}

	inlierCount := sql.NullInt64{}
	if r.Inliers != nil {
		inlierCount = sql.NullInt64{Int64: int64(r.Inliers.Count), Valid: true}
	}

	_, err = s.Exec(`INSERT INTO results
		(run_id, session_id, mode, method, bx, by, bz, distortion, covariance, chi_sq, mse, inlier_count, total_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), sessionID.String(), string(r.Mode), string(r.Method),
		r.Bias[0], r.Bias[1], r.Bias[2], string(distortion), covariance,
		r.ChiSq, r.MSE, inlierCount, totalCount, r.Started, r.Finished)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// Results loads all persisted results of a session, newest first.
func (s *Store) Results(sessionID uuid.UUID) ([]StoredResult, error) {
	rows, err := s.Query(`SELECT run_id, mode, method, bx, by, bz, distortion, covariance,
		chi_sq, mse, inlier_count, total_count, started_at, finished_at
		FROM results WHERE session_id = ? ORDER BY finished_at DESC`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredResult
	for rows.Next() {
		var r StoredResult
		var runID, distortion string
		var covariance sql.NullString
		var inlierCount sql.NullInt64
		if err := rows.Scan(&runID, &r.Mode, &r.Method,
			&r.Bias[0], &r.Bias[1], &r.Bias[2], &distortion, &covariance,
			&r.ChiSq, &r.MSE, &inlierCount, &r.TotalCount, &r.Started, &r.Finished); err != nil {
			return nil, err
		}
		r.SessionID = sessionID
		r.RunID, err = uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("corrupt run id %q: %w", runID, err)
		}

		var d []float64
		if err := json.Unmarshal([]byte(distortion), &d); err != nil || len(d) != 9 {
			return nil, fmt.Errorf("corrupt distortion for run %s", runID)
		}
		copy(r.Distortion[:], d)

		if covariance.Valid {
			var cov covarianceJSON
			if err := json.Unmarshal([]byte(covariance.String), &cov); err != nil {
				return nil, fmt.Errorf("corrupt covariance for run %s: %w", runID, err)
			}
			if cov.Rows > 0 && len(cov.Data) == cov.Rows*cov.Rows {
				r.Covariance = mat.NewDense(cov.Rows, cov.Rows, cov.Data)
			}
		}

		r.InlierCount = -1
		if inlierCount.Valid {
			r.InlierCount = int(inlierCount.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CalibrationResult rebuilds the engine-level result from its stored form.
// The inlier mask and per-sample residuals are not persisted, so Inliers is
// always nil on the rebuilt result.
func (r *StoredResult) CalibrationResult() *calibration.Result {
	return &calibration.Result{
		RunID:      r.RunID,
		Method:     r.Method,
		Mode:       r.Mode,
		Bias:       r.Bias,
		Distortion: r.Distortion,
		Covariance: r.Covariance,
		ChiSq:      r.ChiSq,
		MSE:        r.MSE,
		Started:    r.Started,
		Finished:   r.Finished,
	}
}

// LatestResult returns the most recent result of a session, or nil when
// the session has none.
func (s *Store) LatestResult(sessionID uuid.UUID) (*StoredResult, error) {
	results, err := s.Results(sessionID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}
