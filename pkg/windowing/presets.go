package windowing

import (
	"math"
	"sort"
)

// Presets are the named windows offered to viewers. CT presets are in Hounsfield units.
var Presets = map[string]Window{
	"lung":        {Width: 1500, Level: -600},
	"bone":        {Width: 2000, Level: 300},
	"soft_tissue": {Width: 400, Level: 40},
	"brain":       {Width: 80, Level: 40},
	"liver":       {Width: 150, Level: 30},
	"mediastinum": {Width: 350, Level: 50},
	"chest_xray":  {Width: 2500, Level: 500},
	"bone_xray":   {Width: 4000, Level: 2000},
	"extremity":   {Width: 3500, Level: 1500},
	"spine":       {Width: 3000, Level: 1000},
	"soft_xray":   {Width: 600, Level: 100},
}

// PresetNames returns the preset names in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hounsfield ranges used by ClassifyCT
const (
	airBelow  = -400
	boneAbove = 300
)

// ClassifyCT picks the CT preset suited to the intensity distribution of data:
// lung when much of the image is air-filled, bone when dense tissue dominates,
// brain for a narrow range around water, soft tissue otherwise.
func ClassifyCT(data []float64) string {
	var air, bone, finite int
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite++
		if v < airBelow {
			air++
		} else if v > boneAbove {
			bone++
		}
	}
	if finite == 0 {
		return "soft_tissue"
	}

	airFrac := float64(air) / float64(finite)
	boneFrac := float64(bone) / float64(finite)
	switch {
	case boneFrac > 0.25:
		return "bone"
	case airFrac > 0.25 && airFrac < 0.9:
		return "lung"
	}

	q := Percentiles(data, 0.05, 0.5, 0.95)
	if q[1] >= 0 && q[1] <= 80 && q[2]-q[0] < 150 {
		return "brain"
	}
	return "soft_tissue"
}
