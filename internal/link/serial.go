package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ReadTimeout bounds a blocking serial read so the reader notices shutdown.
const ReadTimeout = 100 * time.Millisecond

// OpenSerial opens a UART at baud, 8N1.
func OpenSerial(device string, baud int) (serial.Port, error) {
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud %d", baud)
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	if err := p.SetReadTimeout(ReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial %s read timeout: %w", device, err)
	}
	return p, nil
}

// ListPorts returns the serial devices present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
