// Package device defines the narrow interface MMIO-emulated and
// IO-access-controlled reservations dispatch through. The concrete
// handlers (console UART, virtio devices, the GIC distributor) live in
// their own packages and implement it.
//
// Grounded on the teacher's IODevice interface (iodev.IODevice /
// device.IODevice), generalized from byte-slice IO-port reads to the
// register-width MMIO access spec §9's design note calls for: a
// tagged variant of {Passthrough, AccessControlled, Emulated,
// Forwarding}, of which this package only needs to model the
// "Emulated" handler shape — the other three are plain data carried
// on gmm.Reservation.
package device

// Device is what a KindMMIOEmulated or KindIOAccessControlled
// reservation dispatches register-width accesses to. offset is
// relative to the reservation's Start. width is a fault.Width value
// (0=byte .. 3=doubleword), passed as int so this package imports
// nothing.
type Device interface {
	Read(offset uint64) (uint64, error)
	Write(offset uint64, value uint64, width int) error
}
