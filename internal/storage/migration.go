// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/ClusterCockpit/loglens/pkg/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*
var migrationFiles embed.FS

const schemaVersion uint = 1

// checkSchemaVersion compares the database's applied migration version
// against schemaVersion and logs a warning (without failing the process)
// on mismatch, matching the teacher's checkDBVersion posture.
func checkSchemaVersion(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("%w: sqlite3 migrate driver: %v", ErrStorage, err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("%w: migration source: %v", ErrStorage, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%w: migrate instance: %v", ErrStorage, err)
	}

	v, _, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Warn("database has no schema version yet, migrating to", schemaVersion)
		} else {
			return fmt.Errorf("%w: reading schema version: %v", ErrStorage, err)
		}
	}

	if v < schemaVersion {
		log.Warnf("database schema version %d behind current %d, applying migrations", v, schemaVersion)
	} else if v > schemaVersion {
		log.Warnf("database schema version %d is newer than this binary's %d", v, schemaVersion)
	}
	return nil
}

// migrateUp applies all pending up migrations to dbPath using the embedded
// sqlite3 migration set.
func migrateUp(dbPath string) error {
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("%w: migration source: %v", ErrStorage, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", dbPath))
	if err != nil {
		return fmt.Errorf("%w: migrate instance: %v", ErrStorage, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: applying migrations: %v", ErrStorage, err)
	}
	return nil
}
