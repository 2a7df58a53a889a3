// Package protocol names the ALPN protocol spoken between a relayer and a
// destination node. The identifier binds a connection to one bridge route so
// a relayer cannot deliver messages for the wrong domain pair.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eigerco/truelens/internal/state"
)

const (
	protocolPrefix = "truelens-bridge"

	currentVersion = "1"
)

// ProtocolID represents a complete ALPN protocol identifier.
// Format: truelens-bridge/<version>/<origin>-<destination>
type ProtocolID struct {
	Version     string
	Origin      state.DomainID
	Destination state.DomainID
}

func NewProtocolID(origin, destination state.DomainID) *ProtocolID {
	return &ProtocolID{
		Version:     currentVersion,
		Origin:      origin,
		Destination: destination,
	}
}

// String converts the ProtocolID to its string representation, for example
// "truelens-bridge/1/33333-31".
func (p *ProtocolID) String() string {
	route := fmt.Sprintf("%d-%d", p.Origin, p.Destination)
	return strings.Join([]string{protocolPrefix, p.Version, route}, "/")
}

// ParseProtocolID parses an ALPN protocol string into a ProtocolID.
func ParseProtocolID(protocol string) (*ProtocolID, error) {
	parts := strings.Split(protocol, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid protocol format: %s", protocol)
	}
	if parts[0] != protocolPrefix {
		return nil, fmt.Errorf("invalid protocol prefix: %s", parts[0])
	}
	if parts[1] != currentVersion {
		return nil, fmt.Errorf("unsupported protocol version: %s", parts[1])
	}

	origin, destination, ok := strings.Cut(parts[2], "-")
	if !ok {
		return nil, fmt.Errorf("invalid route: %s", parts[2])
	}
	o, err := strconv.ParseUint(origin, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid origin domain %q: %w", origin, err)
	}
	d, err := strconv.ParseUint(destination, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid destination domain %q: %w", destination, err)
	}

	return &ProtocolID{
		Version:     parts[1],
		Origin:      state.DomainID(o),
		Destination: state.DomainID(d),
	}, nil
}

// ValidateALPNProtocol checks that protocol names the expected route.
func ValidateALPNProtocol(protocol string, origin, destination state.DomainID) error {
	id, err := ParseProtocolID(protocol)
	if err != nil {
		return err
	}
	if id.Origin != origin || id.Destination != destination {
		return fmt.Errorf("route %d-%d does not match %d-%d", id.Origin, id.Destination, origin, destination)
	}
	return nil
}
