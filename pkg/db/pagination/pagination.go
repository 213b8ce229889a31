package pagination

import (
	"encoding/base64"
	"encoding/json"
)

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=10" binding:"omitempty,gte=1,lte=250"`
}

// Size is the effective page size, clamped to [1, MaxLimit].
func (p Pagination) Size() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	default:
		return p.Limit
	}
}

// Cursor is opaque to clients; only ID is used for keyset paging.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// Page trims a result fetched with one extra row (see option.ApplyPagination)
// and reports whether another page follows.
func Page[T any](data []*T, p Pagination, id func(*T) string) ([]*T, *PageInfo) {
	size := p.Size()
	info := &PageInfo{}
	if len(data) > size {
		info.HasMore = true
		data = data[:size]
	}
	if info.HasMore && len(data) > 0 {
		info.NextCursor, _ = EncodeCursor(Cursor{ID: id(data[len(data)-1])})
	}
	return data, info
}
