// Package storage persists launcher state in a local sqlite database:
// desired instance records, the operation version, env var overrides and
// the last online time.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances_v1 (
	service_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	instance INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	priority INTEGER NOT NULL,
	storage_path TEXT NOT NULL,
	state_path TEXT NOT NULL,
	PRIMARY KEY (service_id, subject_id, instance)
);
CREATE TABLE IF NOT EXISTS config_v1 (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	operation_version INTEGER,
	online_time TIMESTAMP
);
CREATE TABLE IF NOT EXISTS env_vars_v1 (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	env_vars TEXT NOT NULL
);`

// Storage is the sqlite-backed launcher storage.
type Storage struct {
	db *sqlx.DB
}

// New opens (creating if needed) the launcher database at the given path.
func New(path string) (*Storage, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("can't open launcher db: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("can't create launcher schema: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) AddInstance(instance cloudprotocol.InstanceInfo) error {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO instances_v1
		 (service_id, subject_id, instance, uid, priority, storage_path, state_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		instance.ServiceID, instance.SubjectID, instance.Instance,
		instance.UID, instance.Priority, instance.StoragePath, instance.StatePath)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return fmt.Errorf("%w: instance %s", aoserrors.ErrAlreadyExists, instance.InstanceIdent)
	}

	return nil
}

func (s *Storage) UpdateInstance(instance cloudprotocol.InstanceInfo) error {
	result, err := s.db.Exec(
		`UPDATE instances_v1 SET uid = $1, priority = $2, storage_path = $3, state_path = $4
		 WHERE service_id = $5 AND subject_id = $6 AND instance = $7`,
		instance.UID, instance.Priority, instance.StoragePath, instance.StatePath,
		instance.ServiceID, instance.SubjectID, instance.Instance)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return fmt.Errorf("%w: instance %s", aoserrors.ErrNotFound, instance.InstanceIdent)
	}

	return nil
}

func (s *Storage) RemoveInstance(ident cloudprotocol.InstanceIdent) error {
	result, err := s.db.Exec(
		`DELETE FROM instances_v1 WHERE service_id = $1 AND subject_id = $2 AND instance = $3`,
		ident.ServiceID, ident.SubjectID, ident.Instance)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if count == 0 {
		return fmt.Errorf("%w: instance %s", aoserrors.ErrNotFound, ident)
	}

	return nil
}

func (s *Storage) GetAllInstances() ([]cloudprotocol.InstanceInfo, error) {
	var instances []cloudprotocol.InstanceInfo

	err := s.db.Select(&instances,
		`SELECT service_id, subject_id, instance, uid, priority, storage_path, state_path
		 FROM instances_v1 ORDER BY service_id, subject_id, instance`)
	if err != nil {
		return nil, err
	}

	return instances, nil
}

func (s *Storage) GetOperationVersion() (uint64, error) {
	var version sql.NullInt64

	err := s.db.Get(&version, `SELECT operation_version FROM config_v1 WHERE id = 0`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: operation version", aoserrors.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}

	if !version.Valid {
		return 0, fmt.Errorf("%w: operation version", aoserrors.ErrNotFound)
	}

	return uint64(version.Int64), nil
}

func (s *Storage) SetOperationVersion(version uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO config_v1 (id, operation_version) VALUES (0, $1)
		 ON CONFLICT (id) DO UPDATE SET operation_version = $1`, version)

	return err
}

func (s *Storage) GetOverrideEnvVars() ([]cloudprotocol.EnvVarsInstanceInfo, error) {
	var raw string

	err := s.db.Get(&raw, `SELECT env_vars FROM env_vars_v1 WHERE id = 0`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var envVars []cloudprotocol.EnvVarsInstanceInfo

	if err = json.Unmarshal([]byte(raw), &envVars); err != nil {
		return nil, fmt.Errorf("can't decode env vars: %w", err)
	}

	return envVars, nil
}

func (s *Storage) SetOverrideEnvVars(envVars []cloudprotocol.EnvVarsInstanceInfo) error {
	raw, err := json.Marshal(envVars)
	if err != nil {
		return fmt.Errorf("can't encode env vars: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO env_vars_v1 (id, env_vars) VALUES (0, $1)
		 ON CONFLICT (id) DO UPDATE SET env_vars = $1`, string(raw))

	return err
}

func (s *Storage) GetOnlineTime() (time.Time, error) {
	var onlineTime sql.NullTime

	err := s.db.Get(&onlineTime, `SELECT online_time FROM config_v1 WHERE id = 0`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: online time", aoserrors.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, err
	}

	if !onlineTime.Valid {
		return time.Time{}, fmt.Errorf("%w: online time", aoserrors.ErrNotFound)
	}

	return onlineTime.Time, nil
}

func (s *Storage) SetOnlineTime(onlineTime time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO config_v1 (id, online_time) VALUES (0, $1)
		 ON CONFLICT (id) DO UPDATE SET online_time = $1`, onlineTime)

	return err
}
