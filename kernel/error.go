// Package kernel holds the error taxonomy shared by the bring-up subsystems.
package kernel

// Kind classifies a kernel error. Callers branch on the kind, never on the
// message.
type Kind uint8

const (
	// KindUnknown is the zero kind.
	KindUnknown Kind = iota

	// KindDeviceAbsent: an expected device, capability or file is not present.
	KindDeviceAbsent

	// KindMalformedCapabilityChain: a capability chain loops or points outside
	// configuration space.
	KindMalformedCapabilityChain

	// KindMalformedDirectory: the fw_cfg file directory is not plausible.
	KindMalformedDirectory

	// KindDMATransfer: the device reported an error for a DMA descriptor.
	KindDMATransfer

	// KindTimeout: a bounded poll ran out of budget.
	KindTimeout

	// KindUnsupportedLayout: the device layout needs a strategy that is not
	// implemented, such as an MSI-X table and PBA in different BARs.
	KindUnsupportedLayout

	// KindDeviceInitFailed: the device rejected negotiation or reported FAILED.
	KindDeviceInitFailed
)

var kindNames = [...]string{
	KindUnknown:                  "unknown",
	KindDeviceAbsent:             "device absent",
	KindMalformedCapabilityChain: "malformed capability chain",
	KindMalformedDirectory:       "malformed fw_cfg directory",
	KindDMATransfer:              "dma transfer error",
	KindTimeout:                  "timeout",
	KindUnsupportedLayout:        "unsupported layout",
	KindDeviceInitFailed:         "device init failed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Error describes a kernel error. Sentinels are global pointers to Error and
// are matched with errors.Is, which compares kinds.
type Error struct {
	// The module where the error occurred.
	Module string

	// Kind of failure.
	Kind Kind

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Module == "" && e.Message == "":
		return e.Kind.String()
	case e.Module == "":
		return e.Kind.String() + ": " + e.Message
	case e.Message == "":
		return e.Module + ": " + e.Kind.String()
	}
	return e.Module + ": " + e.Kind.String() + ": " + e.Message
}

// Is reports whether target is a kernel error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an error of the given kind raised by module.
func New(module string, kind Kind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}

// KindOf returns the kind of the first kernel error in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			return ke.Kind
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Cause() error }:
			err = u.Cause()
		default:
			return KindUnknown
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is.
var (
	ErrDeviceAbsent             = &Error{Kind: KindDeviceAbsent}
	ErrMalformedCapabilityChain = &Error{Kind: KindMalformedCapabilityChain}
	ErrMalformedDirectory       = &Error{Kind: KindMalformedDirectory}
	ErrDMATransfer              = &Error{Kind: KindDMATransfer}
	ErrTimeout                  = &Error{Kind: KindTimeout}
	ErrUnsupportedLayout        = &Error{Kind: KindUnsupportedLayout}
	ErrDeviceInitFailed         = &Error{Kind: KindDeviceInitFailed}
)
