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
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	mediaSequenceRe = regexp.MustCompile(`#EXT-X-MEDIA-SEQUENCE:\s*(\d+)`)
	mediaURIRe      = regexp.MustCompile(`URI="([^"]+)"`)
)

// rewritten is the outcome of rewriting one upstream playlist.
type rewritten struct {
	text     string
	segments map[int64]string
	variants []string // standalone variant references, in playlist order
	firstSeq int64
}

// mediaSequence returns the #EXT-X-MEDIA-SEQUENCE value, or 0.
func mediaSequence(body string) int64 {
	m := mediaSequenceRe.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// isVariantRef reports whether a playlist line references another playlist.
// The query string is ignored.
func isVariantRef(line string) bool {
	if i := strings.IndexAny(line, "?#"); i >= 0 {
		line = line[:i]
	}
	return strings.HasSuffix(strings.ToLower(line), ".m3u8")
}

// VariantCallback is the local URL a player follows to fetch a variant.
func VariantCallback(cmd, subpath string) string {
	q := url.Values{}
	q.Set("cmd", cmd)
	q.Set("play", string(TierVariant))
	q.Set("subpath", subpath)
	return "/live.m3u8?" + q.Encode()
}

// SegmentURL is the local URL of a signed segment.
func SegmentURL(id, sig string) string {
	return "/player/" + url.PathEscape(id) + ".ts?sig=" + sig
}

// rewritePlaylist replaces every variant reference with a local callback
// and every media segment with a signed local URL. Segments are numbered
// from the playlist's media sequence.
func rewritePlaylist(body, cmd string, signer *Signer) rewritten {
	seq := mediaSequence(body)
	out := rewritten{
		segments: make(map[int64]string),
		firstSeq: seq,
	}

	lines := strings.Split(body, "\n")
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			lines[i] = line
		case strings.HasPrefix(trimmed, "#EXT-X-MEDIA:"):
			lines[i] = mediaURIRe.ReplaceAllStringFunc(line, func(attr string) string {
				uri := mediaURIRe.FindStringSubmatch(attr)[1]
				return `URI="` + VariantCallback(cmd, uri) + `"`
			})
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = line
		case isVariantRef(trimmed):
			out.variants = append(out.variants, trimmed)
			lines[i] = VariantCallback(cmd, trimmed)
		default:
			id := ResourceID(cmd, seq)
			out.segments[seq] = trimmed
			lines[i] = SegmentURL(id, signer.Sign(id))
			seq++
		}
	}

	out.text = strings.Join(lines, "\n")
	return out
}

// variantRefs lists the standalone variant references of a playlist.
func variantRefs(body string) []string {
	var refs []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") && isVariantRef(line) {
			refs = append(refs, line)
		}
	}
	return refs
}

// pickVariant chooses the variant replacing old after a link rotation: the
// one with the same file name, else the first.
func pickVariant(variants []string, old string) string {
	if len(variants) == 0 {
		return ""
	}
	want := fileName(old)
	if want != "" {
		for _, v := range variants {
			if fileName(v) == want {
				return v
			}
		}
	}
	return variants[0]
}

func fileName(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return ""
	}
	return path.Base(ref)
}

// baseDir returns rawURL up to and including the last slash of its path.
func baseDir(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return rawURL[:strings.LastIndex(rawURL, "/")+1]
}

// resolveURL resolves ref against base. Absolute refs are returned as is.
func resolveURL(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid playlist reference %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}
