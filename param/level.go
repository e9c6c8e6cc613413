package param

// HEVC level limits (Table A.8): maximum luma picture size and luma sample
// rate. Level values are general_level_idc, i.e. 30 times the level number.
var levelLimits = []struct {
	level     int
	maxLumaPs int64
	maxLumaSr int64
}{
	{30, 36864, 552960},
	{60, 122880, 3686400},
	{63, 245760, 7372800},
	{90, 552960, 16588800},
	{93, 983040, 33177600},
	{120, 2228224, 66846720},
	{123, 2228224, 133693440},
	{150, 8912896, 267386880},
	{153, 8912896, 534773760},
	{156, 8912896, 1069547520},
	{180, 35651584, 1069547520},
	{183, 35651584, 2139095040},
	{186, 35651584, 4278190080},
}

// MinLevel returns the lowest level that can carry the given picture size and
// frame rate, or the highest level when nothing fits.
func MinLevel(width, height int, fps float64) int {
	ps := int64(width) * int64(height)
	sr := int64(float64(ps) * fps)
	for _, l := range levelLimits {
		if ps <= l.maxLumaPs && sr <= l.maxLumaSr {
			return l.level
		}
	}
	return levelLimits[len(levelLimits)-1].level
}
