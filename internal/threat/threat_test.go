package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract_TornadoDetectionAndDamage(t *testing.T) {
	text := "TORNADO...RADAR INDICATED\nTORNADO DAMAGE THREAT...CONSIDERABLE\n"
	got := Extract(text)
	assert.Equal(t, "RADAR INDICATED", got.TornadoDetection)
	assert.Equal(t, "CONSIDERABLE", string(got.TornadoDamageThreat))
}

func TestExtract_WindGustAndDamage(t *testing.T) {
	text := "MAX WIND GUST...70 MPH\nWIND DAMAGE THREAT...DESTRUCTIVE\n"
	got := Extract(text)
	assert.Equal(t, 70, got.MaxWindGustMPH)
	assert.Equal(t, "DESTRUCTIVE", string(got.WindDamageThreat))
}

func TestExtract_HailSizeNumeric(t *testing.T) {
	got := Extract("MAX HAIL SIZE...1.75 IN\n")
	assert.Equal(t, 1.75, got.MaxHailSizeInches)
}

func TestExtract_HailSizeDescriptive(t *testing.T) {
	got := Extract("HAIL THE SIZE OF GOLF BALLS EXPECTED\n")
	assert.Equal(t, 1.75, got.MaxHailSizeInches)
}

func TestExtract_SnowNotConfusedWithHail(t *testing.T) {
	got := Extract("UP TO 1 INCH OF QUICK SNOW ACCUMULATION IS EXPECTED\n")
	assert.Equal(t, 0.0, got.MaxHailSizeInches)
	assert.Equal(t, 1.0, got.SnowAmountMinInches)
	assert.Equal(t, 1.0, got.SnowAmountMaxInches)
}

func TestExtract_SnowRange(t *testing.T) {
	got := Extract("SNOW ACCUMULATIONS OF 3 TO 5 INCHES EXPECTED\n")
	assert.Equal(t, 3.0, got.SnowAmountMinInches)
	assert.Equal(t, 5.0, got.SnowAmountMaxInches)
}

func TestExtract_IceAccumulation(t *testing.T) {
	got := Extract("ICE ACCUMULATION OF 0.25 TO 0.5 INCHES\n")
	assert.Equal(t, 0.5, got.IceAccumulInches)
}

func TestExtract_FlashFloodDetectionAndDamage(t *testing.T) {
	text := "FLASH FLOOD...RADAR INDICATED\nFLASH FLOOD DAMAGE THREAT...CATASTROPHIC\n"
	got := Extract(text)
	assert.Equal(t, "RADAR INDICATED", got.FlashFloodDetection)
	assert.Equal(t, "CATASTROPHIC", string(got.FlashFloodDamageThreat))
}

func TestExtract_StormMotionTimeMotLoc(t *testing.T) {
	got := Extract("TIME...MOT...LOC 1815Z 225DEG 35KT 4045 8512\n")
	assert.Equal(t, 225, got.StormMotion.DirectionDegrees)
	assert.Equal(t, 35, got.StormMotion.SpeedKTS)
	assert.True(t, got.StormMotion.Valid())
}

func TestExtract_StormMotionCardinalText(t *testing.T) {
	got := Extract("STORM IS MOVING SW AT 35 MPH\n")
	assert.Equal(t, "NE", got.StormMotion.DirectionFrom)
	assert.Equal(t, 35, got.StormMotion.SpeedMPH)
}

func TestDegreesToCardinal(t *testing.T) {
	assert.Equal(t, "N", degreesToCardinal(0))
	assert.Equal(t, "S", degreesToCardinal(180))
	assert.Equal(t, "NE", degreesToCardinal(45))
}

func TestMPHKTSConversion(t *testing.T) {
	assert.Equal(t, 30, mphToKTS(35))
	assert.Equal(t, 40, ktsToMPH(35))
}
