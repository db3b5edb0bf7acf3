package gateway

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/draw-sync/internal/errors"
	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/tidwall/gjson"
)

// decodeRecords parses a records response. The body is either a bare
// array or an object with a "records" array. Each element is decoded on
// its own: an element that cannot be read becomes a record carrying only
// the collection, which the validator rejects, so one bad element does
// not fail the batch.
func decodeRecords(collection string, body []byte) ([]models.Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", apperrors.ErrAPIResponse)
	}

	root := gjson.ParseBytes(body)
	if root.IsObject() {
		root = root.Get("records")
	}

	if !root.IsArray() {
		return nil, fmt.Errorf("%w: response has no records array", apperrors.ErrAPIResponse)
	}

	elems := root.Array()
	records := make([]models.Record, 0, len(elems))

	for _, el := range elems {
		records = append(records, decodeRecord(collection, el))
	}

	return records, nil
}

func decodeRecord(collection string, el gjson.Result) models.Record {
	r := models.Record{Collection: collection}
	if !el.IsObject() {
		return r
	}

	date, ok := parseDate(el.Get("date").String())
	if !ok {
		return r
	}

	primary, ok := intArray(el.Get("primary"))
	if !ok {
		return r
	}

	secondary, ok := intArray(el.Get("secondary"))
	if !ok {
		return r
	}

	r.EffectiveDate = date
	r.Primary = primary
	r.Secondary = secondary

	if ts := el.Get("updated_at"); ts.Exists() {
		r.SourceTimestamp, _ = time.Parse(time.RFC3339Nano, ts.String())
	}

	r.SourceTimestamp = r.SourceTimestamp.UTC()

	return r
}

// parseDate accepts a calendar day or a full timestamp and truncates it
// to the UTC day.
func parseDate(s string) (time.Time, bool) {
	if t, err := time.Parse(models.DateLayout, s); err == nil {
		return t, true
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}

	t = t.UTC()

	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

// intArray reads an optional array of integers. A missing or null value
// is an empty set.
func intArray(v gjson.Result) ([]int, bool) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, true
	}

	if !v.IsArray() {
		return nil, false
	}

	var out []int

	for _, n := range v.Array() {
		if n.Type != gjson.Number || n.Float() != float64(n.Int()) {
			return nil, false
		}

		out = append(out, int(n.Int()))
	}

	return out, true
}
