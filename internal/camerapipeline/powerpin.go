package camerapipeline

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// gpioPowerPin adapts a periph.io pin to the PowerPin interface.
type gpioPowerPin struct {
	pin gpio.PinOut
}

func (g gpioPowerPin) Out(high bool) error {
	level := gpio.Low
	if high {
		level = gpio.High
	}
	return g.pin.Out(level)
}

// OpenPowerPin initializes the periph.io host drivers and resolves
// name (e.g. "GPIO17") to a PowerPin driving the sensor's PWDN input.
func OpenPowerPin(name string) (PowerPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("camerapipeline: periph host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("camerapipeline: no such GPIO pin %q", name)
	}
	return gpioPowerPin{pin: p}, nil
}
