// Package parser turns one raw GKG-style batch into typed event records.
// Each line is tab-delimited with 27 columns; compound columns carry
// ';'-separated blocks of '#'-separated tuples. Failures are isolated per
// line: a malformed row is skipped and recorded, never aborting the batch.
package parser

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/obsglobal/flowscope/api/schemas"
)

// Column indices of the GKG v2.1 layout.
const (
	colRecordID = iota
	colDate
	colSourceCollection
	colSourceOutlet
	colSourceURL
	colCounts
	colEnhancedCounts
	colThemes
	colEnhancedThemes
	colLocations
	colEnhancedLocations
	colPersons
	colEnhancedPersons
	colOrganizations
	colEnhancedOrganizations
	colTone
	colEnhancedDates
	colGCAM
	colSharingImage
)

// ExpectedColumns is the fixed outer field count of one batch line.
const ExpectedColumns = 27

// timestampLayout is the 14-digit publication timestamp, interpreted as UTC.
const timestampLayout = "20060102150405"

// highErrorRatePct triggers a data-quality warning for the whole batch.
const highErrorRatePct = 10.0

// Parser is a streaming batch parser. It holds no per-batch state; one
// instance may be shared across worker shards.
type Parser struct {
	log *zap.Logger
}

// New returns a parser logging through the given logger.
func New(logger *zap.Logger) *Parser {
	return &Parser{log: logger.Named("parser")}
}

// Parse converts one raw batch into records plus the per-line failures it
// recovered from. Output ordering matches input line order. Record id
// uniqueness is the batch's responsibility; the parser does not deduplicate.
func (p *Parser) Parse(batch string) ([]schemas.RawEventRecord, []schemas.ParseError) {
	var (
		records []schemas.RawEventRecord
		errs    []schemas.ParseError
	)

	lineNo := 0
	for line := range strings.Lines(batch) {
		lineNo++
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, err := p.parseLine(line, lineNo)
		if err != nil {
			errs = append(errs, *err)
			continue
		}
		records = append(records, rec)
	}

	total := len(records) + len(errs)
	if total > 0 {
		rate := float64(len(errs)) / float64(total) * 100
		if rate > highErrorRatePct {
			p.log.Warn("High parse error rate for batch",
				zap.Int("total_rows", total),
				zap.Int("errors", len(errs)),
				zap.Float64("error_rate_pct", rate))
		}
	}

	return records, errs
}

// parseLine parses one tab-delimited row. Only a wrong outer field count, a
// missing record id, or an unparseable timestamp fail the row; every compound
// column degrades element-by-element instead.
func (p *Parser) parseLine(line string, lineNo int) (schemas.RawEventRecord, *schemas.ParseError) {
	fields := strings.Split(line, "\t")
	if len(fields) != ExpectedColumns {
		return schemas.RawEventRecord{}, &schemas.ParseError{
			Kind:   schemas.ErrMalformedRow,
			LineNo: lineNo,
			Msg:    fmt.Sprintf("expected %d columns, got %d", ExpectedColumns, len(fields)),
		}
	}

	recordID := strings.TrimSpace(fields[colRecordID])
	if recordID == "" {
		return schemas.RawEventRecord{}, &schemas.ParseError{
			Kind:   schemas.ErrMalformedRow,
			LineNo: lineNo,
			Msg:    "empty record id",
		}
	}

	ts, err := parseTimestamp(fields[colDate])
	if err != nil {
		return schemas.RawEventRecord{}, &schemas.ParseError{
			Kind:   schemas.ErrMalformedRow,
			LineNo: lineNo,
			Msg:    err.Error(),
		}
	}

	themes := parseList(fields[colThemes])
	mentions := parseThemeMentions(fields[colEnhancedThemes])

	rec := schemas.RawEventRecord{
		RecordID:         recordID,
		Timestamp:        ts,
		SourceCollection: parseIntDefault(fields[colSourceCollection], 1),
		SourceOutlet:     fields[colSourceOutlet],
		SourceURL:        fields[colSourceURL],
		Themes:           themes,
		EnhancedThemes:   mentions,
		Locations:        parseLocations(fields[colEnhancedLocations]),
		Persons:          parseList(fields[colPersons]),
		Organizations:    parseList(fields[colOrganizations]),
		Tone:             parseTone(fields[colTone]),
		Counts:           parseCounts(fields[colCounts]),
		ThemeCounts:      deriveThemeCounts(themes, mentions),
		GCAM:             fields[colGCAM],
		SharingImage:     fields[colSharingImage],
		LineNo:           lineNo,
	}
	return rec, nil
}

// parseTimestamp parses the 14-digit YYYYMMDDHHMMSS publication time.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != len(timestampLayout) {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: expected 14 digits", raw)
	}
	ts, err := time.ParseInLocation(timestampLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return ts, nil
}

// deriveThemeCounts builds per-theme mention counts. Enhanced theme mentions
// carry one entry per mention; when the enhanced column is empty every plain
// theme counts once. Ordering follows first occurrence in the source list so
// downstream tie-breaks stay deterministic.
func deriveThemeCounts(themes []string, mentions []schemas.ThemeMention) []schemas.ThemeCount {
	if len(mentions) == 0 {
		counts := make([]schemas.ThemeCount, 0, len(themes))
		for _, th := range themes {
			counts = append(counts, schemas.ThemeCount{Theme: th, Count: 1})
		}
		return counts
	}

	index := make(map[string]int, len(mentions))
	var counts []schemas.ThemeCount
	for _, m := range mentions {
		if i, ok := index[m.Theme]; ok {
			counts[i].Count++
			continue
		}
		index[m.Theme] = len(counts)
		counts = append(counts, schemas.ThemeCount{Theme: m.Theme, Count: 1})
	}
	return counts
}
