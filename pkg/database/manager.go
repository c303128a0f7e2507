/*
 * stalker-proxy relays the live channels of a Stalker portal to IPTV players.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// ConfigFromEnv reads DB_HOST, DB_PORT, DB_NAME, DB_USER, DB_PASSWORD,
// DB_SSLMODE, DB_MAX_OPEN_CONNS and DB_CONN_MAX_LIFETIME.
func ConfigFromEnv() Config {
	return Config{
		Host:     utils.GetEnvOrDefault("DB_HOST", "localhost"),
		Port:     utils.GetEnvOrDefault("DB_PORT", "5432"),
		Name:     utils.GetEnvOrDefault("DB_NAME", "stalkerproxy"),
		User:     utils.GetEnvOrDefault("DB_USER", "postgres"),
		Password: utils.GetEnvOrDefault("DB_PASSWORD", ""),
		SSLMode:  utils.GetEnvOrDefault("DB_SSLMODE", "disable"),

		MaxOpenConns:    utils.GetEnvIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		ConnMaxLifetime: utils.GetEnvDurationOrDefault("DB_CONN_MAX_LIFETIME", time.Hour),
	}
}

func (c Config) connString() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode,
	)
}

// DBManager handles database operations
type DBManager struct {
	db          *sql.DB
	initialized bool
}

// NewDBManager opens the database and creates the schema.
func NewDBManager(cfg Config) (*DBManager, error) {
	utils.InfoLog("Initializing PostgreSQL database connection")
	utils.DebugLog("Connecting to PostgreSQL: host=%s port=%s dbname=%s user=%s", cfg.Host, cfg.Port, cfg.Name, cfg.User)

	db, err := sql.Open("postgres", cfg.connString())
	if err != nil {
		return nil, utils.ErrorWithLocation(fmt.Errorf("failed to open PostgreSQL database: %w", err))
	}

	if err := db.Ping(); err != nil {
		utils.ErrorLog("Failed to connect to database: %v", err)
		db.Close()
		return nil, fmt.Errorf("database connection test failed: %w", err)
	}
	utils.InfoLog("Database connection successful")

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns((cfg.MaxOpenConns + 1) / 2)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	manager, err := newManager(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return manager, nil
}

func newManager(db *sql.DB) (*DBManager, error) {
	manager := &DBManager{db: db}
	if err := manager.initSchema(); err != nil {
		return nil, err
	}
	manager.initialized = true
	return manager, nil
}

// IsInitialized returns whether the database is initialized
func (m *DBManager) IsInitialized() bool {
	return m != nil && m.initialized && m.db != nil
}

// Close closes the database connection
func (m *DBManager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	utils.InfoLog("Closing database connection")
	return m.db.Close()
}

func (m *DBManager) ready() error {
	if !m.IsInitialized() {
		return fmt.Errorf("database not initialized")
	}
	return nil
}
