// Package threat extracts threat fields (wind, hail, snow, ice, tornado,
// flash flood, storm motion) from the free-form prose of an alert body.
//
// Extraction is line-oriented: each line is first tagged with the threat
// categories it mentions, then only the regexes for those categories run
// against it. This avoids the cross-term bug class the original
// implementation suffered from, where e.g. "up to 1 inch of quick snow"
// could be mis-scored as hail because a bare numeric-inches pattern ran
// over the whole body without regard to which noun the number belonged to.
package threat

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
)

type category int

const (
	catTornado category = 1 << iota
	catWind
	catHail
	catSnow
	catIce
	catMotion
	catFlood
)

func tagLine(upper string) category {
	var c category
	if strings.Contains(upper, "TORNADO") {
		c |= catTornado
	}
	if strings.Contains(upper, "WIND") || strings.Contains(upper, "GUST") {
		c |= catWind
	}
	if strings.Contains(upper, "HAIL") || strings.Contains(upper, "SIZE") {
		c |= catHail
	}
	if strings.Contains(upper, "SNOW") {
		c |= catSnow
	}
	if strings.Contains(upper, "ICE") {
		c |= catIce
	}
	if strings.Contains(upper, "TIME...MOT") || strings.Contains(upper, "MOVING") {
		c |= catMotion
	}
	if strings.Contains(upper, "FLASH FLOOD") {
		c |= catFlood
	}
	return c
}

var (
	tornadoDetection = regexp.MustCompile(`TORNADO\.{3}(RADAR INDICATED|OBSERVED|POSSIBLE|CONFIRMED)`)
	tornadoDamage    = regexp.MustCompile(`TORNADO DAMAGE THREAT\.{3}(CONSIDERABLE|CATASTROPHIC)`)

	sustainedWind = regexp.MustCompile(`WINDS?\s+(?:OF\s+)?(\d{2,3})\s+TO\s+(\d{2,3})\s*(?:MPH|KT)`)
	windGust      = regexp.MustCompile(`(?:(?:MAX\s+)?(?:WIND|GUST)S?(?:\s+GUST)?S?\.{0,3}\s*(?:UP\s+)?(?:TO\s+)?(\d{2,3})\s*(?:MPH|KT))|` +
		`(?:(\d{2,3})\s*(?:MPH|KT)\s+(?:WIND|GUST)S?)|` +
		`(?:GUSTS?\s+(?:OF\s+)?(?:UP\s+)?(?:TO\s+)?(?:\d+\s+TO\s+)?(\d{2,3})\s*(?:MPH|KT))`)
	windDamage = regexp.MustCompile(`WIND DAMAGE THREAT\.{3}(CONSIDERABLE|DESTRUCTIVE|CATASTROPHIC)`)

	hailSize   = regexp.MustCompile(`(?:(?:MAX\s+)?HAIL(?:\s+SIZE)?\.{0,3}\s*(?:UP\s+)?(?:TO\s+)?(\d+\.?\d*)\s*(?:INCH(?:ES)?|IN\b))|(?:(\d+\.?\d*)\s*(?:INCH(?:ES)?|IN\.?)\s*(?:HAIL|SIZE))`)
	hailDamage = regexp.MustCompile(`HAIL DAMAGE THREAT\.{3}(CONSIDERABLE|CATASTROPHIC)`)

	snowAmount = regexp.MustCompile(`(?:SNOW|ACCUMULATION)S?(?:\s+ACCUMULATION)?S?\.{0,3}\s*(?:OF\s+)?(?:UP\s+TO\s+)?(?:BETWEEN\s+)?(\d+\.?\d*)(?:\s*(?:TO|-|AND)\s*(\d+\.?\d*))?\s*INCH(?:ES)?|` +
		`(\d+\.?\d*)(?:\s*(?:TO|-|AND)\s*(\d+\.?\d*))?\s*INCH(?:ES)?\s+(?:OF\s+)?(?:NEW\s+)?SNOW|` +
		`UP\s+TO\s+(\d+\.?\d*)\s*INCH(?:ES)?\s+(?:OF\s+)?(?:\w+\s+)*SNOW`)
	iceAmount = regexp.MustCompile(`ICE(?:\s+ACCUMULATION)?\.{0,3}\s*(?:OF\s+)?(?:UP\s+TO\s+)?(\d+\.?\d*)\s*(?:TO\s+(\d+\.?\d*)\s*)?INCH(?:ES)?`)

	floodDetection = regexp.MustCompile(`FLASH FLOOD(?:ING)?\.{3}(RADAR INDICATED|OBSERVED|POSSIBLE)`)
	floodDamage    = regexp.MustCompile(`FLASH FLOOD DAMAGE THREAT\.{3}(CONSIDERABLE|CATASTROPHIC)`)

	motionText = regexp.MustCompile(`TIME\.{3}MOT\.{3}LOC\s+\d{4}Z\s+(\d{3})DEG\s+(\d+)KT`)
	motionAlt  = regexp.MustCompile(`MOVING\s+(?:TO\s+THE\s+)?([NSEW]{1,3})\s+AT\s+(\d+)\s*(?:MPH|KT)`)
)

var hailDescriptions = map[string]float64{
	"PEA": 0.25, "MARBLE": 0.5, "DIME": 0.5, "PENNY": 0.75, "NICKEL": 0.88,
	"QUARTER": 1.0, "HALF DOLLAR": 1.25, "PING PONG": 1.5, "GOLF BALL": 1.75,
	"HEN EGG": 2.0, "TENNIS BALL": 2.5, "BASEBALL": 2.75, "APPLE": 3.0,
	"SOFTBALL": 4.0, "GRAPEFRUIT": 4.5,
}

var cardinalToDegrees = map[string]int{
	"N": 180, "NNE": 202, "NE": 225, "ENE": 247, "E": 270, "ESE": 292,
	"SE": 315, "SSE": 337, "S": 0, "SSW": 22, "SW": 45, "WSW": 67,
	"W": 90, "WNW": 112, "NW": 135, "NNW": 157,
}

var oppositeCardinal = map[string]string{
	"N": "S", "NNE": "SSW", "NE": "SW", "ENE": "WSW", "E": "W", "ESE": "WNW",
	"SE": "NW", "SSE": "NNW", "S": "N", "SSW": "NNE", "SW": "NE", "WSW": "ENE",
	"W": "E", "WNW": "ESE", "NW": "SE", "NNW": "SSE",
}

// Extract scans text line by line and accumulates threat fields, per the
// tagged-line grammar in the package doc.
func Extract(text string) alert.ThreatData {
	var t alert.ThreatData

	for _, line := range strings.Split(text, "\n") {
		upper := strings.ToUpper(line)
		cats := tagLine(upper)
		if cats == 0 {
			continue
		}

		if cats&catTornado != 0 {
			if m := tornadoDetection.FindStringSubmatch(upper); m != nil && t.TornadoDetection == "" {
				t.TornadoDetection = m[1]
			}
			if m := tornadoDamage.FindStringSubmatch(upper); m != nil {
				t.TornadoDamageThreat = alert.DamageThreat(m[1])
			}
		}

		if cats&catFlood != 0 {
			if m := floodDetection.FindStringSubmatch(upper); m != nil && t.FlashFloodDetection == "" {
				t.FlashFloodDetection = m[1]
			}
			if m := floodDamage.FindStringSubmatch(upper); m != nil {
				t.FlashFloodDamageThreat = alert.DamageThreat(m[1])
			}
		}

		if cats&catWind != 0 {
			if m := sustainedWind.FindStringSubmatch(upper); m != nil {
				lo, _ := strconv.Atoi(m[1])
				hi, _ := strconv.Atoi(m[2])
				t.SustainedWindMinMPH, t.SustainedWindMaxMPH = lo, hi
			}
			if m := windGust.FindStringSubmatch(upper); m != nil {
				if v := firstNonEmpty(m[1:]); v != "" {
					if n, err := strconv.Atoi(v); err == nil && n >= 20 && n <= 300 {
						t.MaxWindGustMPH = n
					}
				}
			}
			if m := windDamage.FindStringSubmatch(upper); m != nil {
				t.WindDamageThreat = alert.DamageThreat(m[1])
			}
		}

		if cats&catHail != 0 {
			if t.MaxHailSizeInches == 0 {
				if m := hailSize.FindStringSubmatch(upper); m != nil {
					if v := firstNonEmpty(m[1:]); v != "" {
						if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0.25 && f <= 6.0 {
							t.MaxHailSizeInches = f
						}
					}
				}
				if t.MaxHailSizeInches == 0 {
					for desc, size := range hailDescriptions {
						if strings.Contains(upper, desc) {
							t.MaxHailSizeInches = size
							break
						}
					}
				}
			}
			if m := hailDamage.FindStringSubmatch(upper); m != nil {
				t.HailDamageThreat = alert.DamageThreat(m[1])
			}
		}

		if cats&catSnow != 0 {
			if m := snowAmount.FindStringSubmatch(upper); m != nil {
				lo, hi := parseSnowGroups(m)
				if lo > 0 {
					if lo > hi {
						lo, hi = hi, lo
					}
					t.SnowAmountMinInches, t.SnowAmountMaxInches = lo, hi
				}
			}
		}

		if cats&catIce != 0 {
			if m := iceAmount.FindStringSubmatch(upper); m != nil {
				v := m[1]
				if m[2] != "" {
					v = m[2]
				}
				if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0.01 && f <= 3.0 {
					t.IceAccumulInches = f
				}
			}
		}

		if cats&catMotion != 0 && !t.StormMotion.Valid() {
			if m := motionText.FindStringSubmatch(upper); m != nil {
				deg, _ := strconv.Atoi(m[1])
				kts, _ := strconv.Atoi(m[2])
				t.StormMotion = alert.StormMotion{
					DirectionDegrees: deg,
					DirectionFrom:    degreesToCardinal(deg),
					SpeedKTS:         kts,
					SpeedMPH:         ktsToMPH(kts),
				}
			} else if m := motionAlt.FindStringSubmatch(upper); m != nil {
				cardinal := m[1]
				speed, _ := strconv.Atoi(m[2])
				deg, ok := cardinalToDegrees[cardinal]
				if ok {
					motion := alert.StormMotion{DirectionDegrees: deg, DirectionFrom: oppositeCardinal[cardinal]}
					if strings.Contains(upper, "KT") {
						motion.SpeedKTS = speed
						motion.SpeedMPH = ktsToMPH(speed)
					} else {
						motion.SpeedMPH = speed
						motion.SpeedKTS = mphToKTS(speed)
					}
					t.StormMotion = motion
				}
			}
		}
	}

	return t
}

func parseSnowGroups(m []string) (float64, float64) {
	pairs := [][2]int{{1, 2}, {3, 4}, {5, 5}}
	for _, p := range pairs {
		loStr := m[p[0]]
		if loStr == "" {
			continue
		}
		lo, err := strconv.ParseFloat(loStr, 64)
		if err != nil || lo < 0.1 || lo > 60 {
			continue
		}
		hi := lo
		if p[1] != p[0] && m[p[1]] != "" {
			if h, err := strconv.ParseFloat(m[p[1]], 64); err == nil && h >= 0.1 && h <= 60 {
				hi = h
			}
		}
		return lo, hi
	}
	return 0, 0
}

func firstNonEmpty(vals []string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mphToKTS(mph int) int { return int(float64(mph)*0.868976 + 0.5) }
func ktsToMPH(kts int) int { return int(float64(kts)*1.15078 + 0.5) }

func degreesToCardinal(degrees int) string {
	directions := []string{"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE", "S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW"}
	d := ((degrees % 360) + 360) % 360
	index := int(float64(d)/22.5+0.5) % 16
	return directions[index]
}
