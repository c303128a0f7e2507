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
	"errors"

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// SaveSession upserts the portal session snapshot.
func (m *DBManager) SaveSession(ctx context.Context, s types.PortalSession) error {
	if err := m.ready(); err != nil {
		return err
	}
	utils.DebugLog("Database: Saving portal session for %s (expires %v)", s.PortalKey, s.ExpiresAt)

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO portal_sessions (portal_key, token, random, uid, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(portal_key) DO UPDATE SET
		  token = EXCLUDED.token,
		  random = EXCLUDED.random,
		  uid = EXCLUDED.uid,
		  expires_at = EXCLUDED.expires_at,
		  updated_at = EXCLUDED.updated_at
	`, s.PortalKey, s.Token, s.Random, s.UID, s.ExpiresAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		utils.ErrorLog("Database error saving portal session: %v", err)
		return err
	}
	return nil
}

// LoadSession returns the stored snapshot, or nil when none exists.
func (m *DBManager) LoadSession(ctx context.Context, portalKey string) (*types.PortalSession, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	s := &types.PortalSession{PortalKey: portalKey}
	var random, uid sql.NullString
	err := m.db.QueryRowContext(ctx, `
		SELECT token, random, uid, expires_at, updated_at
		FROM portal_sessions
		WHERE portal_key = $1
	`, portalKey).Scan(&s.Token, &random, &uid, &s.ExpiresAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		utils.DebugLog("No stored portal session for %s", portalKey)
		return nil, nil
	}
	if err != nil {
		utils.ErrorLog("Database error loading portal session: %v", err)
		return nil, err
	}
	s.Random = random.String
	s.UID = uid.String
	return s, nil
}

// DeleteSession removes the stored snapshot.
func (m *DBManager) DeleteSession(ctx context.Context, portalKey string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM portal_sessions WHERE portal_key = $1`, portalKey); err != nil {
		utils.ErrorLog("Database error deleting portal session: %v", err)
		return err
	}
	return nil
}
