package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []Port
		expected []Port
	}{
		{
			name:     "Linux USB ports",
			ports:    []Port{{Name: "/dev/ttyUSB0"}, {Name: "/dev/ttyS0"}, {Name: "/dev/ttyACM0"}},
			expected: []Port{{Name: "/dev/ttyUSB0"}, {Name: "/dev/ttyACM0"}},
		},
		{
			name:     "Windows COM ports",
			ports:    []Port{{Name: "COM3"}, {Name: "LPT1"}},
			expected: []Port{{Name: "COM3"}},
		},
		{
			name:     "USB flag wins over name",
			ports:    []Port{{Name: "/dev/ttyS9", IsUSB: true, VID: "0403"}},
			expected: []Port{{Name: "/dev/ttyS9", IsUSB: true, VID: "0403"}},
		},
		{
			name:     "No matching ports",
			ports:    []Port{{Name: "/dev/null"}},
			expected: []Port{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filterCandidatePorts(tt.ports))
		})
	}
}
