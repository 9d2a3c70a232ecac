package recovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"server-dr/internal/components"
)

type dialFunc func(ctx context.Context, address string) error

func dialTCP(ctx context.Context, address string) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// smokeEndpoints checks that each configured service answers on TCP
func (e *Engine) smokeEndpoints(ctx context.Context) []components.Check {
	var checks []components.Check
	for _, addr := range e.cfg.Recovery.SmokeEndpoints {
		check := components.Check{Component: endpointComponent, Name: "endpoint:" + addr}
		if err := e.dial(ctx, addr); err != nil {
			check.Message = fmt.Sprintf("%s unreachable: %v", addr, err)
		} else {
			check.Passed = true
			check.Message = addr + " reachable"
		}
		checks = append(checks, check)
	}
	return checks
}

// endpoint checks are host-wide; they are reported under the application
const endpointComponent = components.Application
