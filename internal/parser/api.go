package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/ugc"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/vtec"
)

// apiFeature is the subset of a NWS API GeoJSON alert feature this package
// reads, grounded on alert_parser.py's parse_api_alert.
type apiFeature struct {
	Properties struct {
		ID            string              `json:"@id"`
		Event         string              `json:"event"`
		Headline      string              `json:"headline"`
		Description   string              `json:"description"`
		Instruction   string              `json:"instruction"`
		SenderName    string              `json:"senderName"`
		Sent          string              `json:"sent"`
		Effective     string              `json:"effective"`
		Onset         string              `json:"onset"`
		Expires       string              `json:"expires"`
		Ends          string              `json:"ends"`
		AreaDesc      string              `json:"areaDesc"`
		AffectedZones []string            `json:"affectedZones"`
		Geocode       apiGeocode          `json:"geocode"`
		Parameters    map[string][]string `json:"parameters"`
	} `json:"properties"`
	Geometry *apiGeometry `json:"geometry"`
}

type apiGeocode struct {
	UGC  []string `json:"UGC"`
	SAME []string `json:"SAME"`
}

// apiGeometry decodes either a Polygon or MultiPolygon GeoJSON geometry.
// Coordinates are [lon, lat] pairs per the GeoJSON spec.
type apiGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// FeatureCollection wraps the NWS API's /alerts/active response shape.
type FeatureCollection struct {
	Features []json.RawMessage `json:"features"`
}

// ParseActiveAlerts decodes a /alerts/active GeoJSON response into Alerts,
// applying the same geography and phenomenon filters as the text pipeline.
// A single malformed feature is skipped rather than failing the batch.
func ParseActiveAlerts(body []byte, source string, opts Options) ([]*alert.Alert, error) {
	var collection FeatureCollection
	if err := json.Unmarshal(body, &collection); err != nil {
		return nil, fmt.Errorf("parser: decode feature collection: %w", err)
	}

	var alerts []*alert.Alert
	for _, raw := range collection.Features {
		a, err := ParseAPIFeature(raw, source, opts)
		if err != nil || a == nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// ParseAPIFeature decodes a single NWS API GeoJSON alert feature into an
// Alert, or returns (nil, nil) when the feature is filtered out by
// phenomenon, geography, or the SPS relevance gate.
func ParseAPIFeature(raw []byte, source string, opts Options) (*alert.Alert, error) {
	var f apiFeature
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parser: decode feature: %w", err)
	}
	props := f.Properties

	issuedTime := opts.now()
	if props.Sent != "" {
		issuedTime = parseAPITime(props.Sent, opts.now())
	}

	affectedAreas := append([]string(nil), props.Geocode.UGC...)
	if len(affectedAreas) == 0 {
		affectedAreas = extractUGCFromZoneURLs(props.AffectedZones)
	}

	vtecStr := ""
	if v, ok := props.Parameters["VTEC"]; ok && len(v) > 0 {
		vtecStr = v[0]
	}
	var vtecInfo *alert.VTECInfo
	var hasVTEC bool
	if vtecStr != "" {
		vtecInfo, hasVTEC, _ = vtec.Find(vtecStr)
	}
	if !hasVTEC {
		vtecInfo, hasVTEC, _ = vtec.Find(props.Description)
	}

	var a *alert.Alert
	var productID string
	if hasVTEC {
		a = alert.NewAlert(vtecInfo.Phenomenon, vtecInfo.Significance)
		a.VTEC = vtecInfo
		a.IssuingOffices = []string{vtecInfo.Office}
		productID = vtec.BuildProductID(vtecInfo)
		if vtecInfo.Action.IsCancellation() {
			a.Status = alert.StatusCancelled
		}
	} else {
		phenomenon := eventNameToPhenomenon(props.Event)
		significance := alert.SignificanceStatement
		a = alert.NewAlert(phenomenon, significance)
		if phenomenon == "SPS" && len(affectedAreas) > 0 {
			productID = generateSPSID(affectedAreas, issuedTime)
		}
		if productID == "" && props.ID != "" {
			parts := strings.Split(props.ID, "/")
			productID = parts[len(parts)-1]
		}
	}
	if productID == "" {
		return nil, nil
	}

	a.MessageID = props.ID
	a.EventName = props.Event
	a.Headline = props.Headline
	a.Description = props.Description
	a.Instruction = props.Instruction
	a.Source = source
	a.RawText = props.Description
	a.ProductID = productID
	a.IssuedTime = issuedTime
	a.AffectedAreas = affectedAreas
	a.ParsedAt = opts.now()
	a.LastUpdated = a.ParsedAt

	if props.Ends != "" {
		a.ExpirationTime = parseAPITime(props.Ends, opts.now())
	} else if props.Expires != "" {
		a.ExpirationTime = parseAPITime(props.Expires, opts.now())
		a.MessageExpires = a.ExpirationTime
	}
	if props.Effective != "" {
		a.EffectiveTime = parseAPITime(props.Effective, opts.now())
	}
	if props.Onset != "" {
		a.OnsetTime = parseAPITime(props.Onset, opts.now())
	}

	if props.AreaDesc != "" && !looksLikeUGCCodes(props.AreaDesc) {
		a.DisplayLocations = props.AreaDesc
	} else if opts.RefTable != nil && len(a.AffectedAreas) > 0 {
		a.DisplayLocations = opts.RefTable.DisplayLocations(a.AffectedAreas)
	}

	if f.Geometry != nil {
		a.Polygon = parseGeoJSONGeometry(f.Geometry)
		a.Centroid = centroid(a.Polygon)
	}
	if len(a.Polygon) == 0 && a.Description != "" {
		a.Polygon = parsePolygon(a.Description)
		a.Centroid = centroid(a.Polygon)
	}

	if a.Phenomenon == "SPS" && !isRelevantSPS(a.Description) {
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

func parseAPITime(s string, fallback time.Time) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

func extractUGCFromZoneURLs(urls []string) []string {
	var codes []string
	for _, u := range urls {
		u = strings.TrimRight(u, "/")
		idx := strings.LastIndex(u, "/")
		if idx < 0 {
			continue
		}
		zone := strings.ToUpper(u[idx+1:])
		if len(zone) == 6 && (zone[2] == 'C' || zone[2] == 'Z') {
			codes = append(codes, zone)
		}
	}
	return codes
}

func looksLikeUGCCodes(s string) bool {
	parts := strings.Split(s, ";")
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) != 6 {
			return false
		}
	}
	return true
}

var eventPhenomenonMap = map[string]string{
	"Special Weather Statement":    "SPS",
	"Tornado Warning":              "TO",
	"Tornado Watch":                "TO",
	"Severe Thunderstorm Warning":  "SV",
	"Severe Thunderstorm Watch":    "SV",
	"Flash Flood Warning":          "FF",
	"Flood Warning":                "FL",
	"Winter Storm Warning":         "WS",
	"Winter Weather Advisory":      "WW",
}

func eventNameToPhenomenon(event string) string {
	if p, ok := eventPhenomenonMap[event]; ok {
		return p
	}
	return "SPS"
}

// DecodeGeometry decodes a raw GeoJSON Polygon or MultiPolygon coordinate
// array into an ordered [lat, lon] ring, swapping GeoJSON's [lon, lat]
// convention. Exported for the Pull Source's zone-geometry fallback fetch,
// which decodes the same shape from a standalone /zones/{type}/{id}
// response rather than from an alert feature.
func DecodeGeometry(geomType string, coordinates json.RawMessage) [][2]float64 {
	return parseGeoJSONGeometry(&apiGeometry{Type: geomType, Coordinates: coordinates})
}

func parseGeoJSONGeometry(g *apiGeometry) [][2]float64 {
	switch g.Type {
	case "Polygon":
		var rings [][][2]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil || len(rings) == 0 {
			return nil
		}
		return lonLatToLatLon(rings[0])
	case "MultiPolygon":
		var polys [][][][2]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil || len(polys) == 0 || len(polys[0]) == 0 {
			return nil
		}
		return lonLatToLatLon(polys[0][0])
	default:
		return nil
	}
}

func lonLatToLatLon(pairs [][2]float64) [][2]float64 {
	out := make([][2]float64, len(pairs))
	for i, p := range pairs {
		out[i] = [2]float64{p[1], p[0]}
	}
	return out
}
