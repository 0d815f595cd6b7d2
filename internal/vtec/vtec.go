// Package vtec decodes the structured P-VTEC and H-VTEC lines carried by
// National Weather Service alert products.
package vtec

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
)

// primary matches a full P-VTEC string:
// /O.NEW.KCLE.SV.W.0042.251220T1815Z-251220T1900Z/
var primary = regexp.MustCompile(
	`/([OTEX])\.([A-Z]{3})\.([A-Z]{4})\.([A-Z]{2})\.([WAYSONF])\.(\d{4})\.` +
		`(\d{6}T\d{4}Z)-(\d{6}T\d{4}Z)/`)

// hydro matches a full H-VTEC string:
// /1.ER.000000T0000Z.251220T2100Z.000000T0000Z.NO/
var hydro = regexp.MustCompile(
	`/([0-3NUMO])\.([A-Z]{2})\.(\d{6}T\d{4}Z)\.(\d{6}T\d{4}Z)\.(\d{6}T\d{4}Z)\.([A-Z]{2})/`)

var validActions = map[string]alert.Action{
	"NEW": alert.ActionNew, "CON": alert.ActionCon, "EXT": alert.ActionExt,
	"EXA": alert.ActionExa, "EXB": alert.ActionExb, "UPG": alert.ActionUpg,
	"CAN": alert.ActionCan, "EXP": alert.ActionExp, "COR": alert.ActionCor,
	"ROU": alert.ActionRou,
}

var validSignificance = map[string]alert.Significance{
	"W": alert.SignificanceWarning, "A": alert.SignificanceWatch,
	"Y": alert.SignificanceAdvisory, "S": alert.SignificanceStatement,
	"O": alert.SignificanceOutlook, "N": alert.SignificanceSynopsis,
	"F": alert.SignificanceForecast,
}

// Find locates and decodes the first VTEC line in text. It reports
// ok=false, not an error, when no VTEC line is present — many legal
// product types (e.g. Special Weather Statements) carry none.
func Find(text string) (*alert.VTECInfo, bool, error) {
	m := primary.FindStringSubmatch(text)
	if m == nil {
		return nil, false, nil
	}
	info, err := decode(m)
	if err != nil {
		return nil, true, err
	}
	return info, true, nil
}

// FindAll locates and decodes every VTEC line in text, for products that
// carry more than one (e.g. an upgrade segment referencing the prior
// event alongside the new one).
func FindAll(text string) ([]*alert.VTECInfo, error) {
	matches := primary.FindAllStringSubmatch(text, -1)
	infos := make([]*alert.VTECInfo, 0, len(matches))
	for _, m := range matches {
		info, err := decode(m)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func decode(m []string) (*alert.VTECInfo, error) {
	productClass, actionCode, office, phenomenon, sig, etnStr, beginStr, endStr := m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8]

	action, ok := validActions[actionCode]
	if !ok {
		return nil, fmt.Errorf("vtec: invalid action code %q", actionCode)
	}
	significance, ok := validSignificance[sig]
	if !ok {
		return nil, fmt.Errorf("vtec: invalid significance %q", sig)
	}
	etn, err := strconv.Atoi(etnStr)
	if err != nil {
		return nil, fmt.Errorf("vtec: invalid event tracking number %q: %w", etnStr, err)
	}

	begin, _ := ParseTimestamp(beginStr)
	end, _ := ParseTimestamp(endStr)

	return &alert.VTECInfo{
		ProductClass:        productClass,
		Action:              action,
		Office:              office,
		Phenomenon:          phenomenon,
		Significance:        significance,
		EventTrackingNumber: etn,
		BeginTime:           begin,
		EndTime:             end,
		RawVTEC:             m[0],
	}, nil
}

// ParseTimestamp decodes a VTEC timestamp of the form yymmddThhnnZ. The
// literal value "000000T0000Z" denotes an undefined/indeterminate time
// and reports ok=false without error.
func ParseTimestamp(s string) (time.Time, bool) {
	if len(s) != 12 || s[:4] == "0000" {
		return time.Time{}, false
	}
	yy, err1 := strconv.Atoi(s[0:2])
	mm, err2 := strconv.Atoi(s[2:4])
	dd, err3 := strconv.Atoi(s[4:6])
	hh, err4 := strconv.Atoi(s[7:9])
	nn, err5 := strconv.Atoi(s[9:11])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return time.Time{}, false
	}
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 || hh > 23 || nn > 59 {
		return time.Time{}, false
	}
	year := 2000 + yy
	t := time.Date(year, time.Month(mm), dd, hh, nn, 0, 0, time.UTC)
	if t.Year() < 1971 {
		return time.Time{}, false
	}
	return t, true
}

// BuildProductID composes the stable identity for a decoded VTEC record.
// Watches are issued by the Storm Prediction Center with a single event
// tracking number shared across all offices, so their product_id omits
// the office. Everything else includes the office with its leading "K"
// dropped.
func BuildProductID(v *alert.VTECInfo) string {
	if v.Significance == alert.SignificanceWatch {
		return fmt.Sprintf("%sA.%04d", v.Phenomenon, v.EventTrackingNumber)
	}
	office := v.Office
	if len(office) == 4 && office[0] == 'K' {
		office = office[1:]
	}
	return fmt.Sprintf("%s.%s.%04d", v.Phenomenon, office, v.EventTrackingNumber)
}

var severityNames = map[string]string{
	"0": "None", "1": "Minor", "2": "Moderate", "3": "Major",
	"N": "None", "U": "Unknown",
}

var causeNames = map[string]string{
	"ER": "Excessive Rainfall", "SM": "Snowmelt", "RS": "Rain and Snowmelt",
	"DM": "Dam or Levee Failure", "IJ": "Ice Jam", "GO": "Glacier-Dammed Lake Outburst",
	"IC": "Rain and/or Snowmelt and/or Ice Jam", "FS": "Upstream Flooding plus Storm Surge",
	"FT": "Upstream Flooding plus Tidal Effects", "ET": "Elevated Upstream Flow plus Tidal Effects",
	"WT": "Wind and/or Tidal Effects", "DR": "Upstream Dam or Reservoir Release",
	"MC": "Multiple Causes", "OT": "Other Effects", "UU": "Unknown",
}

var recordNames = map[string]string{
	"NO": "A record flood is not expected",
	"NR": "Near record or record flood expected",
	"UU": "Flood without a period of record to compare",
	"OO": "For areal flood warnings, areal flash flood products, and flood advisories",
}

// SeverityName returns the human-readable flood severity description.
func SeverityName(code string) string {
	if n, ok := severityNames[code]; ok {
		return n
	}
	return "Unknown"
}

// CauseName returns the human-readable immediate-cause description.
func CauseName(code string) string {
	if n, ok := causeNames[code]; ok {
		return n
	}
	return "Unknown"
}

// RecordName returns the human-readable flood-record description.
func RecordName(code string) string {
	if n, ok := recordNames[code]; ok {
		return n
	}
	return "Unknown"
}

// FindHydro locates and decodes the H-VTEC line carried by flood products,
// attaching its crest time (when defined) for display purposes.
func FindHydro(text string) (*alert.HVTEC, bool) {
	m := hydro.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	crest, _ := ParseTimestamp(m[4])
	return &alert.HVTEC{
		Severity:     m[1],
		Cause:        m[2],
		RecordStatus: m[6],
		CrestTime:    crest,
	}, true
}
