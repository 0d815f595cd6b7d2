package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/refdata"
)

const severeThunderstormProduct = `WUUS53 KCLE 201815
SVRCLE

OHC085-201900-
/O.NEW.KCLE.SV.W.0042.251220T1815Z-251220T1900Z/
KENT COUNTY...WARNING

* WHAT...A severe thunderstorm warning for...
TORNADO...RADAR INDICATED
60 MPH WIND GUST
1.00 INCH HAIL

* WHERE...Kent County.

* WHEN...Until 700 PM EST.

* IMPACTS...Expect damage to roofs and siding.

LAT...LON 4150 8115 4155 8120 4145 8125 4150 8115
TIME...MOT...LOC 1815Z 256DEG 35KT 4150 8115

$$
`

func testRefTable() *refdata.Table {
	return refdata.NewForTesting([]refdata.Record{
		{Code: "OHC085", Name: "Kent, OH", State: "OH", Kind: refdata.KindCounty},
	})
}

func TestParse_SevereThunderstormWarning(t *testing.T) {
	alerts, err := Parse(severeThunderstormProduct, "push", Options{RefTable: testRefTable()})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "SV.CLE.0042", a.ProductID)
	assert.Equal(t, alert.ActionNew, a.VTEC.Action)
	assert.Equal(t, []string{"OHC085"}, a.AffectedAreas)
	assert.Equal(t, "Kent, OH", a.DisplayLocations)
	assert.Equal(t, "RADAR INDICATED", a.Threat.TornadoDetection)
	assert.Equal(t, 60, a.Threat.MaxWindGustMPH)
	assert.Equal(t, 1.0, a.Threat.MaxHailSizeInches)
	require.Len(t, a.Polygon, 4)
	assert.Equal(t, [2]float64{41.50, -81.15}, a.Polygon[0])
	require.NotNil(t, a.Centroid)
}

func TestParse_FilterStatesExcludesNonMatchingArea(t *testing.T) {
	alerts, err := Parse(severeThunderstormProduct, "push", Options{
		RefTable:     testRefTable(),
		FilterStates: []string{"TX"},
	})
	require.NoError(t, err)
	assert.Len(t, alerts, 0)
}

func TestParse_FilterStatesIncludesMatchingArea(t *testing.T) {
	alerts, err := Parse(severeThunderstormProduct, "push", Options{
		RefTable:     testRefTable(),
		FilterStates: []string{"OH"},
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
}

func TestParse_EmptyBodyFails(t *testing.T) {
	_, err := Parse("   \n\n", "push", Options{})
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, FailureEmptyBody, perr.Mode)
}

func TestParse_MalformedHeaderFails(t *testing.T) {
	_, err := Parse("not a header at all\nmore text\n", "push", Options{})
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, FailureMalformedHeader, perr.Mode)
}

func TestParse_InformationalProductIsSilentlyDropped(t *testing.T) {
	raw := "WUUS53 KCLE 201815\nHWOCLE\n\nHAZARDOUS WEATHER OUTLOOK\nNational Weather Service Cleveland OH\n\n$$\n"
	alerts, err := Parse(raw, "push", Options{})
	require.NoError(t, err)
	assert.Len(t, alerts, 0)
}

func TestIsTargetState_EmptyAreasRejectedWhenFilterSet(t *testing.T) {
	assert.False(t, isTargetState(nil, []string{"OH"}))
	assert.True(t, isTargetState(nil, nil))
}

func TestGenerateSPSID_Deterministic(t *testing.T) {
	issued := time.Date(2025, 12, 20, 18, 15, 0, 0, time.UTC)
	id1 := generateSPSID([]string{"OHC085", "OHC035"}, issued)
	id2 := generateSPSID([]string{"OHC035", "OHC085"}, issued)
	assert.Equal(t, id1, id2, "order of affected areas must not change the hash")
	assert.Contains(t, id1, "SPS.adhoc.202512201815.")
}
