// Package upi binds the capabilities nodes expose to typed methods. Every
// method adds the call to the supplied CallContext and invokes it, so the
// scope, schedule and blocking mode of the context still apply.
package upi

import (
	"context"

	"github.com/morezero/fleet-controller/pkg/controller"
)

// Invoker sends calls to nodes. *controller.Controller implements it.
type Invoker interface {
	Invoke(ctx context.Context, cc controller.CallContext) (*controller.Result, error)
}

const (
	CapabilityRadio = "radio"
	CapabilityNet   = "net"
	CapabilityMgmt  = "mgmt"
)

// Radio wraps the radio capability.
type Radio struct {
	inv Invoker
}

func NewRadio(inv Invoker) *Radio { return &Radio{inv: inv} }

func (r *Radio) SetChannel(ctx context.Context, cc controller.CallContext, channel int) (*controller.Result, error) {
	return r.inv.Invoke(ctx, cc.WithCall(CapabilityRadio, "set_channel", int64(channel)))
}

func (r *Radio) GetChannel(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return r.inv.Invoke(ctx, cc.WithCall(CapabilityRadio, "get_channel"))
}

// SetPower sets the transmit power in dBm.
func (r *Radio) SetPower(ctx context.Context, cc controller.CallContext, dbm int) (*controller.Result, error) {
	return r.inv.Invoke(ctx, cc.WithCall(CapabilityRadio, "set_power", int64(dbm)))
}

func (r *Radio) GetPower(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return r.inv.Invoke(ctx, cc.WithCall(CapabilityRadio, "get_power"))
}

func (r *Radio) GetRSSI(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return r.inv.Invoke(ctx, cc.WithCall(CapabilityRadio, "get_rssi"))
}

func (r *Radio) GetNoise(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return r.inv.Invoke(ctx, cc.WithCall(CapabilityRadio, "get_noise"))
}

// Network wraps the net capability.
type Network struct {
	inv Invoker
}

func NewNetwork(inv Invoker) *Network { return &Network{inv: inv} }

// StartServer starts a traffic sink on port.
func (n *Network) StartServer(ctx context.Context, cc controller.CallContext, port int) (*controller.Result, error) {
	return n.inv.Invoke(ctx, cc.WithCall(CapabilityNet, "start_server", int64(port)))
}

func (n *Network) StopServer(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return n.inv.Invoke(ctx, cc.WithCall(CapabilityNet, "stop_server"))
}

// GetIfaceIPAddr returns the address of the interface selected with
// CallContext.WithIface.
func (n *Network) GetIfaceIPAddr(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return n.inv.Invoke(ctx, cc.WithCall(CapabilityNet, "get_iface_ip_addr"))
}

func (n *Network) SetARPEntry(ctx context.Context, cc controller.CallContext, ip, mac string) (*controller.Result, error) {
	return n.inv.Invoke(ctx, cc.WithCall(CapabilityNet, "set_arp_entry", ip, mac))
}

// SendPacket sends count packets of size bytes to dst.
func (n *Network) SendPacket(ctx context.Context, cc controller.CallContext, dst string, size, count int) (*controller.Result, error) {
	return n.inv.Invoke(ctx, cc.WithCall(CapabilityNet, "send_packet", dst, int64(size), int64(count)))
}

// Mgmt wraps the management capability of a node.
type Mgmt struct {
	inv Invoker
}

func NewMgmt(inv Invoker) *Mgmt { return &Mgmt{inv: inv} }

func (m *Mgmt) GetNodeInfo(ctx context.Context, cc controller.CallContext) (*controller.Result, error) {
	return m.inv.Invoke(ctx, cc.WithCall(CapabilityMgmt, "get_node_info"))
}
