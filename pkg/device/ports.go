package device

import (
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

// Port is a serial port that may host an instrument.
type Port struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// DiscoverPorts lists serial ports that look like USB instrument adapters.
func DiscoverPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate serial ports")
	}

	ports := make([]Port, 0, len(details))
	for _, d := range details {
		ports = append(ports, Port{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return filterCandidatePorts(ports), nil
}

func filterCandidatePorts(ports []Port) []Port {
	candidates := []Port{}
	for _, port := range ports {
		if port.IsUSB || isCandidatePort(port.Name) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(name string) bool {
	for _, prefix := range []string{
		"/dev/ttyUSB", "/dev/ttyACM",
		"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial",
		"COM",
	} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
