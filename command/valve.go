package command

const (
	valveInOp   = "I"
	valveOutOp  = "O"
	valveWashOp = "W"
)

// ValveToDefaultInput turns a side's valve to its configured input port.
type ValveToDefaultInput struct {
	side Side
}

// NewValveToDefaultInput creates a valve-to-input turn for the given side.
func NewValveToDefaultInput(side Side) *ValveToDefaultInput {
	return &ValveToDefaultInput{side: side}
}

// Fragment renders the turn as side letter plus the input operation letter.
func (v *ValveToDefaultInput) Fragment() string {
	return v.side.Letter() + valveInOp
}

// ValveToDefaultOutput turns a side's valve to its configured output port.
type ValveToDefaultOutput struct {
	side Side
}

// NewValveToDefaultOutput creates a valve-to-output turn for the given side.
func NewValveToDefaultOutput(side Side) *ValveToDefaultOutput {
	return &ValveToDefaultOutput{side: side}
}

// Fragment renders the turn as side letter plus the output operation letter.
func (v *ValveToDefaultOutput) Fragment() string {
	return v.side.Letter() + valveOutOp
}

// ValveToWash turns a side's valve to its wash port.
type ValveToWash struct {
	side Side
}

// NewValveToWash creates a valve-to-wash turn for the given side.
func NewValveToWash(side Side) *ValveToWash {
	return &ValveToWash{side: side}
}

// Fragment renders the turn as side letter plus the wash operation letter.
func (v *ValveToWash) Fragment() string {
	return v.side.Letter() + valveWashOp
}
