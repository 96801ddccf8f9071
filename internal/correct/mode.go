package correct

import "fmt"

// Mode selects which transverse planes a correction acts on.
type Mode int

const (
	ModeX Mode = iota
	ModeY
	ModeXY
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "x":
		return ModeX, nil
	case "y":
		return ModeY, nil
	case "xy", "":
		return ModeXY, nil
	}
	return ModeXY, fmt.Errorf("correct: unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeX:
		return "x"
	case ModeY:
		return "y"
	default:
		return "xy"
	}
}

func (m Mode) ActiveX() bool { return m == ModeX || m == ModeXY }
func (m Mode) ActiveY() bool { return m == ModeY || m == ModeXY }
