// Package commsutil provides COMMS connection helpers and subject naming for the
// controller's uplink/downlink traffic.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectOptions tunes the COMMS client. Zero values use defaults.
type ConnectOptions struct {
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
	// OnDisconnect is called after the client loses its server connection.
	OnDisconnect func(err error)
}

// DefaultConnectOptions returns the client settings used when a field is
// left zero.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{Timeout: 10 * time.Second, ReconnectWait: 2 * time.Second, MaxReconnects: 60}
}

func mergeConnectOptions(opts ...ConnectOptions) ConnectOptions {
	o := DefaultConnectOptions()
	if len(opts) == 0 {
		return o
	}
	in := opts[0]
	if in.Timeout > 0 {
		o.Timeout = in.Timeout
	}
	if in.ReconnectWait > 0 {
		o.ReconnectWait = in.ReconnectWait
	}
	// Negative MaxReconnects means reconnect forever.
	if in.MaxReconnects != 0 {
		o.MaxReconnects = in.MaxReconnects
	}
	o.OnDisconnect = in.OnDisconnect
	return o
}

// Connect opens a named COMMS client on url with reconnect handling.
func Connect(url, name string, opts ...ConnectOptions) (*comms.Conn, error) {
	o := mergeConnectOptions(opts...)
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(o.Timeout),
		comms.ReconnectWait(o.ReconnectWait),
		comms.MaxReconnects(o.MaxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			if o.OnDisconnect != nil {
				o.OnDisconnect(err)
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
