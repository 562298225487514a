package parser

import (
	"strconv"
	"strings"

	"github.com/obsglobal/flowscope/api/schemas"
)

// Sub-field delimiters: the outer list separator and the inner tuple
// separator of compound columns.
const (
	blockSep = ";"
	tupleSep = "#"
)

// parseList splits a ';'-separated plain list, dropping empty entries.
func parseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, blockSep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseThemeMentions parses the enhanced themes column: "theme,offset" pairs
// separated by ';'. A pair without a numeric offset keeps the theme with
// offset 0 rather than dropping the mention.
func parseThemeMentions(raw string) []schemas.ThemeMention {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []schemas.ThemeMention
	for _, pair := range strings.Split(raw, blockSep) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		theme, offsetRaw, found := strings.Cut(pair, ",")
		if theme = strings.TrimSpace(theme); theme == "" {
			continue
		}
		offset := 0
		if found {
			if n, err := strconv.Atoi(strings.TrimSpace(offsetRaw)); err == nil {
				offset = n
			}
		}
		out = append(out, schemas.ThemeMention{Theme: theme, Offset: offset})
	}
	return out
}

// parseLocations parses the enhanced locations column. Block layout:
// Type#FullName#CountryCode#ADM1#ADM2#Lat#Long#FeatureID#CharOffset.
// A block with fewer than seven tuple fields is dropped; unparseable
// coordinates stay absent instead of becoming zero.
func parseLocations(raw string) []schemas.Location {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []schemas.Location
	for _, block := range strings.Split(raw, blockSep) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		parts := strings.Split(block, tupleSep)
		if len(parts) < 7 {
			continue
		}

		loc := schemas.Location{
			Type:        schemas.LocationType(parseIntDefault(parts[0], 0)),
			FullName:    parts[1],
			CountryCode: strings.ToUpper(strings.TrimSpace(parts[2])),
			ADM1Code:    parts[3],
			ADM2Code:    parts[4],
			Latitude:    parseFloatPtr(parts[5]),
			Longitude:   parseFloatPtr(parts[6]),
		}
		if len(parts) > 7 {
			loc.FeatureID = parts[7]
		}
		if len(parts) > 8 {
			loc.CharOffset = parseIntDefault(parts[8], 0)
		}
		out = append(out, loc)
	}
	return out
}

// parseTone parses the seven comma-separated tone metrics. Each component
// parses independently; a non-numeric component is absent, not zero.
func parseTone(raw string) schemas.Tone {
	if strings.TrimSpace(raw) == "" {
		return schemas.Tone{}
	}
	parts := strings.Split(raw, ",")
	var tone schemas.Tone
	ptrs := []**float64{
		&tone.Overall, &tone.PositivePct, &tone.NegativePct,
		&tone.Polarity, &tone.ActivityDensity, &tone.SelfRef,
	}
	for i, dst := range ptrs {
		if i < len(parts) {
			*dst = parseFloatPtr(parts[i])
		}
	}
	if len(parts) > 6 {
		if wc := parseFloatPtr(parts[6]); wc != nil {
			tone.WordCount = int(*wc)
		}
	}
	return tone
}

// parseCounts parses the counts column. Block layout:
// CountType#Number#ObjectType#LocType#LocName#Country#ADM1#Lat#Long#FeatureID.
// Blocks without at least type and number are dropped; the embedded location
// is optional and degrades independently.
func parseCounts(raw string) []schemas.EventCount {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []schemas.EventCount
	for _, block := range strings.Split(raw, blockSep) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		parts := strings.Split(block, tupleSep)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
			continue
		}

		count := schemas.EventCount{
			Type:   parts[0],
			Number: parseIntDefault(parts[1], 0),
		}
		if len(parts) > 2 {
			count.ObjectType = parts[2]
		}
		if len(parts) >= 10 {
			count.Location = &schemas.Location{
				Type:        schemas.LocationType(parseIntDefault(parts[3], 0)),
				FullName:    parts[4],
				CountryCode: strings.ToUpper(strings.TrimSpace(parts[5])),
				ADM1Code:    parts[6],
				Latitude:    parseFloatPtr(parts[7]),
				Longitude:   parseFloatPtr(parts[8]),
				FeatureID:   parts[9],
			}
		}
		out = append(out, count)
	}
	return out
}

// parseFloatPtr returns nil when the value is empty or not a number.
func parseFloatPtr(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

// parseIntDefault parses an integer with a fallback default.
func parseIntDefault(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}
