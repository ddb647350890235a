package mutuelle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// syncMetadataFields are local bookkeeping keys that never travel to the backend.
var syncMetadataFields = []string{
	"sync_status", "syncStatus",
	"local_updated_at", "localUpdatedAt",
	"server_updated_at", "serverUpdatedAt",
}

// StripSyncMetadata returns a copy of row without sync bookkeeping keys.
func StripSyncMetadata(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, k := range syncMetadataFields {
		delete(out, k)
	}
	return out
}

// RowID extracts the primary key of a row as a string.
func RowID(row Row) string {
	switch v := row["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// ServerTimestamp returns the row's updated_at, falling back to created_at.
// Returns nil when neither parses.
func ServerTimestamp(row Row) *time.Time {
	for _, key := range []string{"updated_at", "created_at"} {
		if t := parseServerTime(row[key]); t != nil {
			return t
		}
	}
	return nil
}

func parseServerTime(v any) *time.Time {
	switch tv := v.(type) {
	case time.Time:
		if tv.IsZero() {
			return nil
		}
		return &tv
	case string:
		for _, layout := range serverTimeLayouts {
			if t, err := time.Parse(layout, tv); err == nil {
				return &t
			}
		}
	}
	return nil
}

// decodeRow parses a JSON object into a Row, keeping numbers exact.
func decodeRow(data []byte) (Row, error) {
	if len(data) == 0 {
		return Row{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return row, nil
}
