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
	"context"
	"database/sql"
	"time"

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// AddPlayEvent records a served playlist.
func (m *DBManager) AddPlayEvent(ctx context.Context, ev types.PlayEvent) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	utils.DebugLog("Database: Recording play - cmd: %s, tier: %s, client: %s", utils.MaskString(ev.Cmd), ev.Tier, ev.ClientIP)

	playedAt := ev.PlayedAt
	if playedAt.IsZero() {
		playedAt = time.Now()
	}

	var id int64
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO play_history (cmd, tier, client_ip, user_agent, played_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ev.Cmd, ev.Tier, ev.ClientIP, ev.UserAgent, playedAt.UTC()).Scan(&id)
	if err != nil {
		utils.ErrorLog("Database error adding play event: %v", err)
		return 0, err
	}
	return id, nil
}

// RecentPlays returns the latest play events, newest first.
func (m *DBManager) RecentPlays(ctx context.Context, limit int) ([]types.PlayEvent, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, cmd, tier, client_ip, user_agent, played_at
		FROM play_history
		ORDER BY played_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		utils.ErrorLog("Database error listing play history: %v", err)
		return nil, err
	}
	defer rows.Close()

	var events []types.PlayEvent
	for rows.Next() {
		var ev types.PlayEvent
		var ip, ua sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Cmd, &ev.Tier, &ip, &ua, &ev.PlayedAt); err != nil {
			return nil, err
		}
		ev.ClientIP = ip.String
		ev.UserAgent = ua.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanupPlayHistory deletes events older than olderThan.
func (m *DBManager) CleanupPlayHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	result, err := m.db.ExecContext(ctx, `DELETE FROM play_history WHERE played_at < $1`, time.Now().Add(-olderThan).UTC())
	if err != nil {
		utils.ErrorLog("Database error cleaning up play history: %v", err)
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		utils.InfoLog("Cleaned up %d play history entries", rows)
	}
	return rows, nil
}
