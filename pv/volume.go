package pv

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/DolicaAkelloEgwel/syringeposter/command"
)

// FullScaleSteps is the syringe position at a completely full stroke.
const FullScaleSteps = command.MaxSyringeMove

// InitialMaxVolume is the full-stroke volume assumed until an operator
// selects the installed syringe size.
const InitialMaxVolume = 10.0

// SyringeSizes lists the syringe scales the pump accepts, smallest first.
var SyringeSizes = []string{
	"10 uL",
	"25 uL",
	"50 uL",
	"100 uL",
	"250 uL",
	"500 uL",
	"1 mL",
	"2.5 mL",
	"5 mL",
	"10 mL",
	"25 mL",
	"50 mL",
}

// StepsToVolume converts a syringe position to a liquid volume for the
// given full-stroke volume. Position 1 is the syringe's empty stop, so it
// maps to exactly zero.
func StepsToVolume(steps int, maxVolume float64) float64 {
	if steps == command.MinSyringeMove {
		return 0
	}
	return maxVolume * float64(steps) / FullScaleSteps
}

// VolumeToSteps converts a target volume to the nearest syringe position
// for the given full-stroke volume. A zero volume maps to the empty stop.
func VolumeToSteps(volume, maxVolume float64) int {
	if volume == 0 {
		return command.MinSyringeMove
	}
	return int(math.Round(FullScaleSteps * volume / maxVolume))
}

// SyringeSizeValue returns the numeric part of the syringe size at index.
// The unit suffix is not interpreted; operators work in the selected
// syringe's native unit.
func SyringeSizeValue(index int) (float64, error) {
	if index < 0 || index >= len(SyringeSizes) {
		return 0, fmt.Errorf("pv: syringe size index %d outside [0, %d]", index, len(SyringeSizes)-1)
	}

	fields := strings.Fields(SyringeSizes[index])

	return strconv.ParseFloat(fields[0], 64)
}
