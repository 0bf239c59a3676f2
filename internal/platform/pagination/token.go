package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is the keyset position encoded in a page token. Listings are ordered by descending id,
// so the next page starts strictly below AfterID.
type Cursor struct {
	AfterID int64
}

const tokenVersion = "c1."

// EncodeToken renders cursor as an opaque URL-safe token. The zero cursor encodes to "".
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.AfterID < 0 {
		return "", fmt.Errorf("pagination: negative cursor %d", cursor.AfterID)
	}
	if cursor.AfterID == 0 {
		return "", nil
	}
	raw := strconv.AppendInt([]byte(tokenVersion), cursor.AfterID, 36)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken reverses EncodeToken. Tokens from another version are rejected.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	body, ok := strings.CutPrefix(string(decoded), tokenVersion)
	if !ok {
		return Cursor{}, fmt.Errorf("%w: unknown version", ErrInvalidPageToken)
	}
	id, err := strconv.ParseInt(body, 36, 64)
	if err != nil || id <= 0 {
		return Cursor{}, fmt.Errorf("%w: bad position %q", ErrInvalidPageToken, body)
	}
	return Cursor{AfterID: id}, nil
}
