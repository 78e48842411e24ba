// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/apexsec/apexhub/pkg/alert"
)

const alertsSchema = `
CREATE TABLE IF NOT EXISTS security_alerts (
	alert_id   TEXT PRIMARY KEY,
	alert_type TEXT NOT NULL,
	camera_id  TEXT NOT NULL,
	severity   TEXT NOT NULL,
	description TEXT,
	location   TEXT,
	confidence DOUBLE PRECISION,
	raised_at  TIMESTAMPTZ NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertAlert = `
INSERT INTO security_alerts
	(alert_id, alert_type, camera_id, severity, description, location, confidence, raised_at, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), $9)
ON CONFLICT (alert_id) DO NOTHING`

// PostgresStore persists every alert as an incident record. The connection
// pool reconnects lazily, so a database outage only fails the deliveries that
// happen during it.
type PostgresStore struct {
	dsn string
	db  *sql.DB
}

// NewPostgresStore creates a store for the given connection string.
func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn}
}

func (s *PostgresStore) Name() string {
	return "postgres"
}

// Start opens the pool and ensures the alerts table exists.
func (s *PostgresStore) Start(ctx context.Context) error {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	s.db = db

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, alertsSchema); err != nil {
		return fmt.Errorf("failed to ensure alerts table: %w", err)
	}
	return nil
}

// Deliver inserts the alert; a replayed alert_id is a silent no-op.
func (s *PostgresStore) Deliver(ctx context.Context, a *alert.Alert) error {
	if s.db == nil {
		return fmt.Errorf("postgres store not started")
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertAlert,
		a.ID, a.Type, a.CameraID, string(a.Severity),
		a.Description, a.Location, a.Confidence, a.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
