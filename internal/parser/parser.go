// Package parser transforms a raw meteorological text product into a
// structured Alert, or reports one of the typed failure modes from
// spec.md §4.1/§7. Parsing is pure, synchronous, and deterministic.
package parser

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/refdata"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/threat"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/ugc"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/vtec"
)

// FailureMode is one of the four typed parse failures from spec.md §4.1.
type FailureMode string

const (
	FailureMalformedHeader FailureMode = "MalformedHeader"
	FailureMissingUGC      FailureMode = "MissingUGC"
	FailureInvalidVTEC     FailureMode = "InvalidVTEC"
	FailureEmptyBody       FailureMode = "EmptyBody"
)

// ParseError reports a typed parse failure alongside the raw body that
// caused it, so it can be retained in the diagnostic ring buffer.
type ParseError struct {
	Mode FailureMode
	Err  error
	Raw  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser: %s: %v", e.Mode, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func fail(mode FailureMode, raw string, err error) *ParseError {
	return &ParseError{Mode: mode, Err: err, Raw: raw}
}

var headerLine = regexp.MustCompile(`^([A-Z]{2,4}\d{0,2})\s+([A-Z]{4})\s+(\d{6})`)
var productTypeLine = regexp.MustCompile(`^([A-Z]{3})([A-Z]{3})$`)

// Header is the decoded communication header (spec.md §4.1 sub-stage 1).
type Header struct {
	WMOID       string
	Office      string // four-letter WFO, e.g. "KCLE"
	IssuedDDHHMM string
	ProductType string // three-letter AWIPS product type, if a second header line is present
}

func parseHeader(raw string) (Header, string, error) {
	lines := strings.SplitN(raw, "\n", 3)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return Header{}, raw, errors.New("empty first line")
	}

	m := headerLine.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if m == nil {
		return Header{}, raw, fmt.Errorf("first line %q does not match communication header grammar", lines[0])
	}

	h := Header{WMOID: m[1], Office: m[2], IssuedDDHHMM: m[3]}
	rest := raw
	if len(lines) > 1 {
		rest = strings.SplitN(raw, "\n", 2)[1]
		second := strings.TrimSpace(lines[1])
		if pt := productTypeLine.FindStringSubmatch(second); pt != nil {
			h.ProductType = pt[1]
		}
	}
	return h, rest, nil
}

// Segment returns the body split on a blank line followed by "$$", per
// spec.md §4.1 sub-stage 2. Each returned segment is parsed independently.
func Segment(body string) []string {
	re := regexp.MustCompile(`\n\s*\n\s*\$\$`)
	parts := re.Split(body, -1)
	var segments []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return []string{strings.TrimSpace(body)}
	}
	return segments
}

var sectionHeading = regexp.MustCompile(`(?m)^\*\s*(WHAT|WHERE|WHEN|IMPACTS|ADDITIONAL DETAILS)\.\.\.`)

func splitKeySections(body string) map[string]string {
	locs := sectionHeading.FindAllStringSubmatchIndex(body, -1)
	sections := make(map[string]string)
	if len(locs) == 0 {
		sections["WHAT"] = body
		return sections
	}
	for i, loc := range locs {
		name := body[loc[2]:loc[3]]
		start := loc[1]
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections[name] = strings.TrimSpace(body[start:end])
	}
	return sections
}

const polygonMarker = "LAT...LON"

var polygonTerminators = []string{"TIME...MOT", "\n\n", "$$", "&&"}

// parsePolygon implements spec.md §4.1 sub-stage 5's scan-and-split
// workaround for PATTERN_POLYGON_TEXT's unsupported lookahead, per
// SPEC_FULL.md §4.1 SUPPLEMENTED.
func parsePolygon(body string) [][2]float64 {
	idx := strings.Index(body, polygonMarker)
	if idx < 0 {
		return nil
	}
	block := body[idx+len(polygonMarker):]

	end := len(block)
	for _, term := range polygonTerminators {
		if i := strings.Index(block, term); i >= 0 && i < end {
			end = i
		}
	}
	block = block[:end]

	numbers := regexp.MustCompile(`\d{3,4}`).FindAllString(block, -1)
	if len(numbers) < 4 || len(numbers)%2 != 0 {
		return nil
	}

	var coords [][2]float64
	for i := 0; i < len(numbers); i += 2 {
		latRaw, err1 := strconv.ParseFloat(numbers[i], 64)
		lonRaw, err2 := strconv.ParseFloat(numbers[i+1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		lat := latRaw / 100.0
		lon := -lonRaw / 100.0
		if lat < 20 || lat > 60 || lon < -130 || lon > -60 {
			continue
		}
		coords = append(coords, [2]float64{lat, lon})
	}

	if len(coords) >= 3 && coords[0] != coords[len(coords)-1] {
		coords = append(coords, coords[0])
	}
	return coords
}

func centroid(polygon [][2]float64) *[2]float64 {
	if len(polygon) == 0 {
		return nil
	}
	var latSum, lonSum float64
	for _, p := range polygon {
		latSum += p[0]
		lonSum += p[1]
	}
	n := float64(len(polygon))
	c := [2]float64{latSum / n, lonSum / n}
	return &c
}

var informationalHeaders = []string{"NOUS", "FPUS", "FLUS"}

// IsInformational reports whether a raw product is an informational
// bulletin (HWO, PNS, ZFP, ...). Parse drops such products without
// producing any alert, so they never reach the Store; see SPEC_FULL.md
// §4.1 SUPPLEMENTED.
func IsInformational(raw string) bool {
	upper := strings.ToUpper(raw)
	if strings.Contains(upper, "HAZARDOUS WEATHER OUTLOOK") {
		return true
	}
	head := upper
	if len(head) > 200 {
		head = head[:200]
	}
	if regexp.MustCompile(`\bHWO[A-Z]{2,4}\b`).MatchString(head) {
		return true
	}
	headerArea := upper
	if len(headerArea) > 50 {
		headerArea = headerArea[:50]
	}
	for _, h := range informationalHeaders {
		if strings.Contains(headerArea, h) {
			return true
		}
	}
	return false
}

// Options configures a Parse call.
type Options struct {
	RefTable     *refdata.Table
	FilterStates []string
	Now          func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Parse decodes one raw product body into zero or more Alerts — zero when
// every segment is filtered out by geography or informational-product
// rules, and possibly more than one for a multi-segment product.
func Parse(raw string, source string, opts Options) ([]*alert.Alert, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fail(FailureEmptyBody, raw, errors.New("empty product body"))
	}
	if IsInformational(raw) {
		return nil, nil
	}

	header, body, err := parseHeader(raw)
	if err != nil {
		return nil, fail(FailureMalformedHeader, raw, err)
	}

	var alerts []*alert.Alert
	for _, segment := range Segment(body) {
		a, err := parseSegment(header, segment, raw, source, opts)
		if err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func parseSegment(header Header, segment, rawProduct, source string, opts Options) (*alert.Alert, error) {
	ugcBlock, ugcErr := ugc.Parse(segment)
	vtecInfo, hasVTEC, vtecErr := vtec.Find(segment)
	if vtecErr != nil {
		return nil, fail(FailureInvalidVTEC, rawProduct, vtecErr)
	}

	if ugcErr != nil && !hasVTEC {
		// A Special Weather Statement may legally carry no UGC block at
		// the very first segment boundary scan if segmentation is
		// imperfect; only a genuine absence of geography is fatal.
		return nil, fail(FailureMissingUGC, rawProduct, ugcErr)
	}

	var phenomenon string
	var significance alert.Significance
	var a *alert.Alert

	if hasVTEC {
		if hydro, ok := vtec.FindHydro(segment); ok {
			vtecInfo.Hydro = hydro
		}
		phenomenon = vtecInfo.Phenomenon
		significance = vtecInfo.Significance
		a = alert.NewAlert(phenomenon, significance)
		a.VTEC = vtecInfo
		a.ProductID = vtec.BuildProductID(vtecInfo)
		a.ExpirationTime = vtecInfo.EndTime
		a.IssuedTime = issuedTimeFromHeader(header, opts.now())
		if vtecInfo.Action.IsCancellation() {
			a.Status = alert.StatusCancelled
		}
	} else {
		phenomenon = header.ProductType
		significance = alert.SignificanceStatement
		a = alert.NewAlert(phenomenon, significance)
		a.IssuedTime = issuedTimeFromHeader(header, opts.now())
	}

	a.Source = source
	a.RawText = rawProduct
	a.IssuingOffices = []string{header.Office}

	if ugcErr == nil {
		a.AffectedAreas = ugcBlock.Codes
		if a.ExpirationTime.IsZero() {
			a.ExpirationTime = ugcBlock.ExpirationTime
		}
	}

	if a.Phenomenon == "SPS" && a.ProductID == "" {
		if id := generateSPSID(a.AffectedAreas, a.IssuedTime); id != "" {
			a.ProductID = id
		}
	}
	if a.ProductID == "" {
		a.ProductID = generateFallbackID(header, a.AffectedAreas, a.IssuedTime)
	}

	sections := splitKeySections(segment)
	a.Headline = sections["WHAT"]
	a.Description = strings.Join([]string{sections["WHAT"], sections["WHERE"], sections["WHEN"]}, "\n")
	a.Instruction = sections["IMPACTS"] + "\n" + sections["ADDITIONAL DETAILS"]

	a.Polygon = parsePolygon(segment)
	a.Centroid = centroid(a.Polygon)

	a.Threat = threat.Extract(segment)

	if opts.RefTable != nil && len(a.AffectedAreas) > 0 {
		a.DisplayLocations = opts.RefTable.DisplayLocations(a.AffectedAreas)
	}

	if a.Phenomenon == "SPS" && !isRelevantSPS(segment) {
		return nil, nil
	}

	if !isTargetState(a.AffectedAreas, opts.FilterStates) {
		return nil, nil
	}
	a.AffectedAreas = ugc.FilterByStates(a.AffectedAreas, opts.FilterStates)
	if len(a.AffectedAreas) == 0 {
		return nil, nil
	}

	return a, nil
}

func issuedTimeFromHeader(h Header, now time.Time) time.Time {
	if len(h.IssuedDDHHMM) != 6 {
		return now
	}
	day, err1 := strconv.Atoi(h.IssuedDDHHMM[0:2])
	hour, err2 := strconv.Atoi(h.IssuedDDHHMM[2:4])
	minute, err3 := strconv.Atoi(h.IssuedDDHHMM[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return now
	}
	issued := time.Date(now.Year(), now.Month(), day, hour, minute, 0, 0, time.UTC)
	if issued.After(now.Add(24 * time.Hour)) {
		issued = issued.AddDate(0, -1, 0)
	}
	return issued
}

// generateSPSID builds the deterministic non-VTEC id from a sorted hash
// of affected areas plus the issued minute, grounded on
// alert_parser.py's _generate_sps_id (SHA-1, first 8 hex chars).
func generateSPSID(areas []string, issued time.Time) string {
	if len(areas) == 0 || issued.IsZero() {
		return ""
	}
	sorted := append([]string(nil), areas...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, "")))
	hash := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("SPS.adhoc.%s.%s", issued.UTC().Format("200601021504"), hash)
}

// generateFallbackID derives a deterministic id for products that carry
// neither a VTEC line nor enough information for generateSPSID, combining
// office, product type, issued time, and the first UGC code per
// SPEC_FULL.md §4.1 SUPPLEMENTED.
func generateFallbackID(h Header, areas []string, now time.Time) string {
	first := ""
	if len(areas) > 0 {
		first = areas[0]
	}
	key := fmt.Sprintf("%s|%s|%s|%s", h.Office, h.ProductType, now.UTC().Format(time.RFC3339), first)
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

var spsThunderstormKeywords = []string{
	"THUNDERSTORM", "LIGHTNING", "GUSTY WIND", "SMALL HAIL",
}

var spsExcludedKeywords = []string{
	"FIRE WEATHER", "RED FLAG", "DENSE FOG", "EXCESSIVE HEAT", "MARINE",
}

func isRelevantSPS(text string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range spsExcludedKeywords {
		if strings.Contains(upper, kw) {
			return false
		}
	}
	for _, kw := range spsThunderstormKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// isTargetState implements _is_target_state: an empty filter accepts all;
// otherwise at least one affected area's state must match.
func isTargetState(areas []string, filterStates []string) bool {
	if len(filterStates) == 0 {
		return true
	}
	if len(areas) == 0 {
		return false
	}
	allow := make(map[string]struct{}, len(filterStates))
	for _, s := range filterStates {
		allow[strings.ToUpper(s)] = struct{}{}
	}
	for _, a := range areas {
		if len(a) < 2 {
			continue
		}
		if _, ok := allow[strings.ToUpper(a[:2])]; ok {
			return true
		}
	}
	return false
}
