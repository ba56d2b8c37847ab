//go:build linux

package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "flightcore"

// chipCandidates lists likely chips first (Pi 5 kernels can expose the header
// on gpiochip0 or gpiochip4), then every other gpiochip in /dev.
func chipCandidates() []string {
	chips := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			p := filepath.Join("/dev", name)
			if p != chips[0] && p != chips[1] {
				chips = append(chips, p)
			}
		}
	}
	return chips
}

// request finds pin on the first chip that has it and requests the line with
// opts.
func request(pin int, opts ...gpiocdev.LineReqOption) (*gpiocdev.Chip, *gpiocdev.Line, error) {
	lineName, err := LineName(pin)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, gpiocdev.WithConsumer(consumer))
	for _, chipPath := range chipCandidates() {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return chip, line, nil
	}
	return nil, nil, fmt.Errorf("gpio: line %q not found (or busy)", lineName)
}

type line struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// OpenOutput requests pin as an output driven low.
func OpenOutput(pin int) (Output, error) {
	chip, l, err := request(pin, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, err
	}
	return &line{chip: chip, line: l}, nil
}

func (l *line) SetValue(v int) error {
	if l == nil || l.line == nil {
		return fmt.Errorf("gpio: line not open")
	}
	return l.line.SetValue(v)
}

// Close drives the line low before releasing it.
func (l *line) Close() error {
	if l == nil || l.line == nil {
		return nil
	}
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	if l.chip != nil {
		_ = l.chip.Close()
		l.chip = nil
	}
	return err
}

// Edge is a rising-edge watch on an input line.
type Edge struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// WatchRising requests pin as an input and calls fn from the gpiocdev event
// goroutine on each rising edge.
func WatchRising(pin int, fn func()) (*Edge, error) {
	chip, l, err := request(pin,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { fn() }),
	)
	if err != nil {
		return nil, err
	}
	return &Edge{chip: chip, line: l}, nil
}

func (e *Edge) Close() error {
	if e == nil || e.line == nil {
		return nil
	}
	err := e.line.Close()
	e.line = nil
	if e.chip != nil {
		_ = e.chip.Close()
		e.chip = nil
	}
	return err
}
