package netrepeater

import "errors"

var (
	// ErrNameNotFound is returned when the upstream resolver reports that a
	// domain does not exist, or when a DNS question can't be served because
	// of its class or record type.
	ErrNameNotFound = errors.New("name not found")

	// ErrZeroAnswer is returned when a domain exists upstream but carries no
	// address records.
	ErrZeroAnswer = errors.New("no address records in answer")

	// ErrExhaustedIPSpace is returned by the IP generator after running out
	// of collision-free candidates in the local subnet.
	ErrExhaustedIPSpace = errors.New("exhausted local IP space")

	// ErrInsufficientEntropy is returned when the generator seed value is
	// narrower than the host-suffix of the subnet.
	ErrInsufficientEntropy = errors.New("seed value narrower than host suffix")

	// ErrInterfaceOpFailed is returned when adding or removing an address on
	// a network interface fails or can't be confirmed in time.
	ErrInterfaceOpFailed = errors.New("interface address operation failed")

	// ErrBindFailed is returned when an inbound listener can't bind its
	// local address.
	ErrBindFailed = errors.New("bind failed")

	// ErrTLSHandshakeFailed is returned when the TLS session with an
	// upstream host can't be established.
	ErrTLSHandshakeFailed = errors.New("tls handshake failed")

	// ErrUnsupportedPlatform is returned when live interface management is
	// requested on a platform other than Linux.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)
