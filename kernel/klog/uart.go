package klog

import (
	"sync"

	"github.com/algebnaly/tos/mmio"
)

// 16550 registers, byte wide.
const (
	uartTHR = 0x0
	uartLSR = 0x5

	lsrTHREmpty = 1 << 5

	// UARTBase is the ns16550a of QEMU riscv virt.
	UARTBase = 0x1000_0000

	// UARTSize covers the register block.
	UARTSize = 0x100
)

// UART is a polled 16550 transmitter usable as the log sink.
type UART struct {
	mu     sync.Mutex
	r      mmio.Region
	budget int
}

// NewUART returns a writer over the mapped register block. Each byte waits
// at most budget polls for the transmit register to drain; zero means
// mmio.DefaultPollBudget.
func NewUART(r mmio.Region, budget int) *UART {
	if budget <= 0 {
		budget = mmio.DefaultPollBudget
	}
	return &UART{r: r, budget: budget}
}

func (u *UART) putc(c byte) error {
	err := mmio.Poll(u.budget, "klog", "UART transmit", func() bool {
		return u.r.Read8(uartLSR)&lsrTHREmpty != 0
	})
	if err != nil {
		return err
	}
	u.r.Write8(uartTHR, c)
	return nil
}

// Write sends p, turning "\n" into "\r\n".
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, c := range p {
		if c == '\n' {
			if err := u.putc('\r'); err != nil {
				return i, err
			}
		}
		if err := u.putc(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
