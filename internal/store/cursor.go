// ABOUTME: Opaque page tokens for event and session listings
// ABOUTME: Tokens are base64 of a small tagged record and carry the scan direction

package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	cursorEvents   = "ev"
	cursorSessions = "ss"
)

// encodeEventCursor records the last event id returned and the direction of
// the listing. Format is base64(ev|event_id|asc|desc).
func encodeEventCursor(lastID int64, descending bool) string {
	dir := "asc"
	if descending {
		dir = "desc"
	}
	data := fmt.Sprintf("%s|%d|%s", cursorEvents, lastID, dir)
	return base64.RawURLEncoding.EncodeToString([]byte(data))
}

// EventCursorAfter returns an ascending page token that resumes after
// eventID.
func EventCursorAfter(eventID int64) string {
	return encodeEventCursor(eventID, false)
}

// decodeEventCursor parses an event page token. A token issued for the other
// scan direction is rejected.
func decodeEventCursor(cursor string, descending bool) (int64, error) {
	parts, err := splitCursor(cursor, cursorEvents, 3)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: bad event id", ErrInvalidCursor)
	}
	if (parts[2] == "desc") != descending {
		return 0, fmt.Errorf("%w: token was issued for the other order", ErrInvalidCursor)
	}
	return id, nil
}

// encodeSessionCursor records the position of the last session returned.
// Format is base64(ss|created_at_unix_nano|session_id).
func encodeSessionCursor(createdAt time.Time, sessionID string) string {
	data := fmt.Sprintf("%s|%d|%s", cursorSessions, createdAt.UnixNano(), sessionID)
	return base64.RawURLEncoding.EncodeToString([]byte(data))
}

func decodeSessionCursor(cursor string) (int64, string, error) {
	parts, err := splitCursor(cursor, cursorSessions, 3)
	if err != nil {
		return 0, "", err
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return ts, parts[2], nil
}

func splitCursor(cursor, tag string, n int) ([]string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(decoded), "|", n)
	if len(parts) != n || parts[0] != tag {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidCursor)
	}
	return parts, nil
}
