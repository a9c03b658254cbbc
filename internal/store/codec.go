package store

import (
	"encoding/json"
	"fmt"

	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
)

// Row is the column layout shared by the SQL backends. The message is
// kept whole in Body; the other columns exist for filtering.
type Row struct {
	ID          string
	Class       string
	Role        string
	ContextLine string
	Body        []byte
}

// EncodeRow flattens a message into its row.
func EncodeRow(m contextlog.Message) (Row, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return Row{}, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return Row{
		ID:          m.ID,
		Class:       string(m.Class),
		Role:        string(m.Role),
		ContextLine: string(m.ContextLine),
		Body:        body,
	}, nil
}

// DecodeBody restores a message from its stored body.
func DecodeBody(body []byte) (contextlog.Message, error) {
	var m contextlog.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
