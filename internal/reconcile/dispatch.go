package reconcile

import (
	"errors"
	"fmt"

	"github.com/vkuzn/groupsyncd/internal/hub"
)

// Op identifies the command to re-issue to a device.
type Op int

const (
	OpOn Op = iota
	OpOff
	OpSetLevel
	OpSetColorTemperature
	OpSetColor
)

// String returns a human-readable name for the op.
func (o Op) String() string {
	switch o {
	case OpOn:
		return "on"
	case OpOff:
		return "off"
	case OpSetLevel:
		return "set_level"
	case OpSetColorTemperature:
		return "set_color_temperature"
	case OpSetColor:
		return "set_color"
	default:
		return "unknown"
	}
}

// Command is a fully-resolved device command, carrying the device's current
// values so a re-issue restores what the device already reports.
type Command struct {
	Op          Op
	Level       int
	Temperature int
	Hue         int
	Saturation  int
}

// ErrUnsupportedColorMode is returned when a variable-color-mode device
// reports a mode the dispatch table does not handle.
var ErrUnsupportedColorMode = errors.New("unsupported color mode")

// DetermineCommand picks the command to re-issue for the desired switch
// state, matching the device's capability set in fixed priority order.
func DetermineCommand(desired string, dev *hub.Device) (Command, error) {
	if desired != "on" {
		return Command{Op: OpOff}, nil
	}

	level, _ := dev.AttributeInt("level")

	switch {
	case dev.Capabilities.Has(hub.CapColorMode):
		// Variable color mode: the current mode decides the command
		mode, _ := dev.Attribute("colorMode")
		switch mode {
		case "CT":
			return colorTemperatureCommand(dev, level), nil
		case "RGB":
			return colorCommand(dev, level), nil
		default:
			return Command{}, fmt.Errorf("%w: %q", ErrUnsupportedColorMode, mode)
		}

	case dev.Capabilities.Has(hub.CapColorTemperature):
		return colorTemperatureCommand(dev, level), nil

	case dev.Capabilities.Has(hub.CapColorControl):
		return colorCommand(dev, level), nil

	case dev.Capabilities.Has(hub.CapSwitchLevel):
		return Command{Op: OpSetLevel, Level: level}, nil

	default:
		return Command{Op: OpOn}, nil
	}
}

func colorTemperatureCommand(dev *hub.Device, level int) Command {
	temp, _ := dev.AttributeInt("colorTemperature")
	return Command{Op: OpSetColorTemperature, Temperature: temp, Level: level}
}

func colorCommand(dev *hub.Device, level int) Command {
	hue, _ := dev.AttributeInt("hue")
	sat, _ := dev.AttributeInt("saturation")
	return Command{Op: OpSetColor, Hue: hue, Saturation: sat, Level: level}
}
