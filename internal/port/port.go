// Package port arbitrates TCP port availability before a deploy.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrInvalidPort is returned for ports outside 0-65535.
var ErrInvalidPort = errors.New("port: invalid port")

const maxPort = 65535

// Validate reports ErrInvalidPort when port is outside the TCP range.
func Validate(port int) error {
	if port < 0 || port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// IsOccupied tries to bind a TCP listener on port. A failed bind means the
// port is taken; a successful one is closed straight away.
func IsOccupied(port int) (bool, error) {
	if err := Validate(port); err != nil {
		return false, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return true, nil
	}
	_ = ln.Close()
	return false, nil
}

// Registry reports ports declared by registered applications.
type Registry interface {
	PortUsedByOtherApplication(ctx context.Context, port int, excludingApplicationID int64) (bool, error)
}

// Guard combines the OS-level and the declarative port checks.
type Guard struct {
	registry Registry
	probe    func(int) (bool, error)
}

// NewGuard builds a Guard that consults registry for declared ports.
func NewGuard(registry Registry) Guard {
	return Guard{registry: registry, probe: IsOccupied}
}

// IsOccupied reports whether the OS refuses a bind on port.
func (g Guard) IsOccupied(port int) (bool, error) {
	probe := g.probe
	if probe == nil {
		probe = IsOccupied
	}
	return probe(port)
}

// UsedByOtherApplication reports whether an application other than
// excludingApplicationID declares port, whether or not it is running.
func (g Guard) UsedByOtherApplication(ctx context.Context, port int, excludingApplicationID int64) (bool, error) {
	if err := Validate(port); err != nil {
		return false, err
	}
	if g.registry == nil {
		return false, nil
	}
	used, err := g.registry.PortUsedByOtherApplication(ctx, port, excludingApplicationID)
	if err != nil {
		return false, fmt.Errorf("check declared port %d: %w", port, err)
	}
	return used, nil
}
