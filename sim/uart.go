package sim

import (
	"bytes"
	"sync"
)

// UARTSize is the size of the 16550 register block.
const UARTSize = 0x100

// UART is a 16550 transmitter that is always ready and keeps what it is
// sent.
type UART struct {
	mu  sync.Mutex
	out bytes.Buffer
}

// AttachUART maps a UART at base.
func AttachUART(m *Machine, base uint64) *UART {
	u := &UART{}
	m.Attach(base, UARTSize, u)
	return u
}

// ReadMMIO implements Device. LSR reports the transmitter empty.
func (u *UART) ReadMMIO(off uint64, data []byte) {
	for i := range data {
		data[i] = 0
		if off+uint64(i) == 5 {
			data[i] = 0x60
		}
	}
}

// WriteMMIO implements Device.
func (u *UART) WriteMMIO(off uint64, data []byte) {
	if off != 0 || len(data) != 1 {
		return
	}
	u.mu.Lock()
	u.out.WriteByte(data[0])
	u.mu.Unlock()
}

// Output returns everything transmitted so far.
func (u *UART) Output() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.out.String()
}
