package pgstream

import (
	"encoding/base64"
	"encoding/json"

	"github.com/streamkit/streamclient"
)

// cursorToken is what hides behind the opaque cursor string: the partition it
// was minted for, the next sequence number to read, and the lease deadline in
// unix milliseconds (0 = no lease).
type cursorToken struct {
	Stream    string `json:"s"`
	Partition int32  `json:"p"`
	Seq       int64  `json:"n"`
	Expires   int64  `json:"e,omitempty"`
}

func encodeToken(t cursorToken) string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeToken(s string) (cursorToken, error) {
	var t cursorToken
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, streamclient.Errorf("malformed cursor token: %w", err)
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, streamclient.Errorf("malformed cursor token: %w", err)
	}
	return t, nil
}
