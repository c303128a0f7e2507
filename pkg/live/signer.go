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

package live

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ResourceSeparator joins a channel command and a media sequence number in
// a signed resource identifier.
const ResourceSeparator = "<_>"

// Signer signs and verifies segment resource identifiers with HMAC-SHA256.
type Signer struct {
	key []byte
}

// NewSigner returns a signer keyed with secret.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign returns the hex encoded signature of id.
func (s *Signer) Sign(id string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of id. The comparison is
// constant time.
func (s *Signer) Verify(id, sig string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(id))
	return hmac.Equal(got, mac.Sum(nil))
}

// ResourceID builds the identifier of segment seq of channel cmd.
func ResourceID(cmd string, seq int64) string {
	return cmd + ResourceSeparator + strconv.FormatInt(seq, 10)
}

// ParseResourceID splits an identifier on its last separator, so commands
// containing the separator survive the round trip.
func ParseResourceID(id string) (string, int64, error) {
	i := strings.LastIndex(id, ResourceSeparator)
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed resource id %q", id)
	}
	seq, err := strconv.ParseInt(id[i+len(ResourceSeparator):], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed sequence in resource id %q: %w", id, err)
	}
	return id[:i], seq, nil
}
