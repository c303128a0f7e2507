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
	"fmt"

	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// initSchema creates database tables if they don't exist
func (m *DBManager) initSchema() error {
	utils.InfoLog("Initializing database schema")

	if m == nil || m.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if _, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS portal_sessions (
			portal_key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			random TEXT,
			uid TEXT,
			expires_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		utils.ErrorLog("Failed to create portal_sessions table: %v", err)
		return fmt.Errorf("failed to create portal_sessions table: %w", err)
	}

	if _, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS play_history (
			id SERIAL PRIMARY KEY,
			cmd TEXT NOT NULL,
			tier TEXT NOT NULL,
			client_ip TEXT,
			user_agent TEXT,
			played_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		utils.ErrorLog("Failed to create play_history table: %v", err)
		return fmt.Errorf("failed to create play_history table: %w", err)
	}

	if _, err := m.db.Exec(`CREATE INDEX IF NOT EXISTS play_history_played_at_idx ON play_history (played_at)`); err != nil {
		utils.WarnLog("Failed to create play_history index: %v", err)
	}

	utils.InfoLog("Database schema initialized successfully")
	return nil
}
