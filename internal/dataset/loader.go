package dataset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"media-transcribe-go/internal/types"
)

var ErrNoRows = errors.New("no data rows")

// Load reads media URLs from the first sheet of an xlsx manifest. The URL and
// id columns are found by header heuristics; rows without an http(s) URL are
// skipped.
func Load(path string) ([]types.ManifestRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, ErrNoRows
	}

	urlIdx, idIdx := detectColumns(rows[0])
	if urlIdx == -1 {
		return nil, fmt.Errorf("no url column in header %q", rows[0])
	}

	var out []types.ManifestRow
	for i, r := range rows {
		if i == 0 {
			continue
		}
		row := types.ManifestRow{Row: i + 1}
		if urlIdx < len(r) {
			row.URL = strings.TrimSpace(r[urlIdx])
		}
		if idIdx >= 0 && idIdx < len(r) {
			row.ID = strings.TrimSpace(r[idIdx])
		}
		if !isHTTP(row.URL) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func detectColumns(header []string) (urlIdx, idIdx int) {
	urlIdx, idIdx = -1, -1
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "url") || strings.Contains(l, "link") || strings.Contains(l, "video") || strings.Contains(l, "media"):
			if urlIdx == -1 {
				urlIdx = i
			}
		case l == "id" || strings.HasSuffix(l, " id") || strings.HasSuffix(l, "_id") || strings.Contains(l, "name"):
			if idIdx == -1 {
				idIdx = i
			}
		}
	}
	// single unnamed column
	if urlIdx == -1 && len(header) == 1 {
		urlIdx = 0
	}
	return urlIdx, idIdx
}

func isHTTP(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
