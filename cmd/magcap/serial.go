package main

import (
	"bufio"
	"context"

	"go.bug.st/serial"
)

// MagPort reads newline-delimited magnetometer samples from a serial port.
type MagPort struct {
	serial.Port
	events chan string
}

func NewMagPort(portName string, baudRate int) (*MagPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}

	return &MagPort{port, make(chan string)}, nil
}

// Events returns the channel of raw sample lines read from the port.
func (p *MagPort) Events() <-chan string {
	return p.events
}

// Monitor reads from the serial port and sends lines to the events channel
// until the context is cancelled or the port fails.
func (p *MagPort) Monitor(ctx context.Context) error {
	defer p.Close()
	scan := bufio.NewScanner(p.Port)

	for {
		if !scan.Scan() {
			return scan.Err()
		}
		select {
		case p.events <- scan.Text():
		case <-ctx.Done():
			return nil
		}
	}
}
