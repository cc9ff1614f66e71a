package command

// Side selects the left or right half of the dual pump.
type Side int

const (
	// Left selects the left syringe and valve pair.
	Left Side = iota
	// Right selects the right syringe and valve pair.
	Right
)

const (
	leftLetter  = "B"
	rightLetter = "C"
)

// Letter returns the address letter the instrument uses for the side.
func (s Side) Letter() string {
	if s == Right {
		return rightLetter
	}
	return leftLetter
}

// String returns a human-readable side name.
func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// SideFromLetter maps an instrument side letter back to its Side.
// It reports false for letters that address neither side.
func SideFromLetter(letter string) (Side, bool) {
	switch letter {
	case leftLetter:
		return Left, true
	case rightLetter:
		return Right, true
	}
	return Left, false
}
