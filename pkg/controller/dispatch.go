package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/fleet-controller/pkg/correlator"
	"github.com/morezero/fleet-controller/pkg/transport"
	"github.com/morezero/fleet-controller/pkg/wire"
)

const dispatchLogPrefix = "controller:dispatch"

// Dispatch routes one inbound envelope. A failure handling one message is
// logged and never propagates to the receive loop.
func (c *Controller) Dispatch(env *wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - Panic while handling %s from %s: %v", dispatchLogPrefix, env.Desc.Type, env.Sender(), r))
		}
	}()

	switch env.Desc.Type {
	case wire.TypeNewNode:
		if _, err := c.nodes.AddNode(env); err != nil {
			slog.Warn(fmt.Sprintf("%s - Discovery rejected: %v", dispatchLogPrefix, err))
		}
	case wire.TypeHello:
		if err := c.nodes.Heartbeat(env); err != nil {
			slog.Warn(fmt.Sprintf("%s - Heartbeat: %v", dispatchLogPrefix, err))
		}
	case wire.TypeNodeExit:
		c.nodes.RemoveNode(env)
	case wire.TypeRuleEvent:
		c.rules.Receive(env)
	default:
		c.deliverResponse(env)
	}
}

func (c *Controller) deliverResponse(env *wire.Envelope) {
	value, err := env.Value()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping undecodable response from %s: %v", dispatchLogPrefix, env.Sender(), err))
		return
	}

	resp := correlator.Response{
		CallID:   env.Desc.CallID,
		Function: env.Desc.Function,
		Node:     env.Sender(),
		Value:    value,
	}
	if env.Desc.Status == wire.StatusException {
		resp.Err = correlator.NewRemoteError(resp.Node, resp.CallID, resp.Function, value)
	}
	c.calls.Deliver(resp)
}

// Run pumps the transport until ctx ends or the transport closes. Errors
// from a single pump are logged and the loop continues.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - Controller %s (%s) receive loop started", dispatchLogPrefix, c.name, c.uuid))
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.transport.PumpOnce(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrClosed):
			slog.Info(fmt.Sprintf("%s - Transport closed, receive loop stopped", dispatchLogPrefix))
			return err
		case ctx.Err() != nil:
			return nil
		default:
			slog.Warn(fmt.Sprintf("%s - Pump error: %v", dispatchLogPrefix, err))
		}
	}
}

// Start runs the lifecycle collaborators once.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		for _, l := range c.lifecycle {
			if e := l.Start(ctx); e != nil {
				err = fmt.Errorf("%s - lifecycle start: %w", dispatchLogPrefix, e)
				return
			}
		}
		slog.Info(fmt.Sprintf("%s - Controller %s started", dispatchLogPrefix, c.uuid))
	})
	return err
}

// Stop stops the lifecycle collaborators in reverse order and the liveness
// countdowns. It runs once.
func (c *Controller) Stop(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		for i := len(c.lifecycle) - 1; i >= 0; i-- {
			if err := c.lifecycle[i].Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		c.nodes.Close()
		slog.Info(fmt.Sprintf("%s - Controller %s stopped", dispatchLogPrefix, c.uuid))
	})
	return errors.Join(errs...)
}
