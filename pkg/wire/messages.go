package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a schema-encoded payload.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire([]byte) error
}

// NewNodeMsg is an agent's discovery announcement.
type NewNodeMsg struct {
	AgentUUID  string
	IP         string
	Name       string
	Info       string
	Version    string
	Modules    []ModuleDesc
	Interfaces []InterfaceDesc
}

// ModuleDesc describes one capability module exposed by an agent.
type ModuleDesc struct {
	ID         uint64
	Name       string
	Attributes []string
	Functions  []string
	Events     []string
	Services   []string
	Device     string
}

// InterfaceDesc binds a network interface to the modules that control it.
type InterfaceDesc struct {
	ID        uint64
	Name      string
	ModuleIDs []uint64
}

// NewNodeAck is the controller's reply to a discovery announcement.
type NewNodeAck struct {
	Status         bool
	ControllerUUID string
	AgentUUID      string
	Topics         []string
}

// HelloMsg is the heartbeat exchanged in both directions. Timeout is in seconds.
type HelloMsg struct {
	UUID    string
	Timeout uint64
}

// NodeExitMsg announces that an agent is leaving.
type NodeExitMsg struct {
	AgentUUID string
	Reason    string
}

func (m *NewNodeMsg) MarshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.AgentUUID)
	b = appendString(b, 2, m.IP)
	b = appendString(b, 3, m.Name)
	b = appendString(b, 4, m.Info)
	b = appendString(b, 5, m.Version)
	for i := range m.Modules {
		b = appendMessage(b, 6, m.Modules[i].MarshalWire())
	}
	for i := range m.Interfaces {
		b = appendMessage(b, 7, m.Interfaces[i].MarshalWire())
	}
	return b
}

func (m *NewNodeMsg) UnmarshalWire(b []byte) error {
	*m = NewNodeMsg{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &m.AgentUUID)
		case 2:
			return consumeString(typ, v, &m.IP)
		case 3:
			return consumeString(typ, v, &m.Name)
		case 4:
			return consumeString(typ, v, &m.Info)
		case 5:
			return consumeString(typ, v, &m.Version)
		case 6:
			return consumeMessage(typ, v, func(mb []byte) error {
				var md ModuleDesc
				if err := md.UnmarshalWire(mb); err != nil {
					return err
				}
				m.Modules = append(m.Modules, md)
				return nil
			})
		case 7:
			return consumeMessage(typ, v, func(ib []byte) error {
				var id InterfaceDesc
				if err := id.UnmarshalWire(ib); err != nil {
					return err
				}
				m.Interfaces = append(m.Interfaces, id)
				return nil
			})
		}
		return -1, nil
	})
}

func (m *ModuleDesc) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.ID)
	b = appendString(b, 2, m.Name)
	b = appendStrings(b, 3, m.Attributes)
	b = appendStrings(b, 4, m.Functions)
	b = appendStrings(b, 5, m.Events)
	b = appendStrings(b, 6, m.Services)
	b = appendString(b, 7, m.Device)
	return b
}

func (m *ModuleDesc) UnmarshalWire(b []byte) error {
	*m = ModuleDesc{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, v, &m.ID)
		case 2:
			return consumeString(typ, v, &m.Name)
		case 3:
			return consumeRepeatedString(typ, v, &m.Attributes)
		case 4:
			return consumeRepeatedString(typ, v, &m.Functions)
		case 5:
			return consumeRepeatedString(typ, v, &m.Events)
		case 6:
			return consumeRepeatedString(typ, v, &m.Services)
		case 7:
			return consumeString(typ, v, &m.Device)
		}
		return -1, nil
	})
}

func (m *InterfaceDesc) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.ID)
	b = appendString(b, 2, m.Name)
	for _, id := range m.ModuleIDs {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, id)
	}
	return b
}

func (m *InterfaceDesc) UnmarshalWire(b []byte) error {
	*m = InterfaceDesc{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, v, &m.ID)
		case 2:
			return consumeString(typ, v, &m.Name)
		case 3:
			var id uint64
			n, err := consumeVarint(typ, v, &id)
			if err == nil {
				m.ModuleIDs = append(m.ModuleIDs, id)
			}
			return n, err
		}
		return -1, nil
	})
}

func (m *NewNodeAck) MarshalWire() []byte {
	var b []byte
	if m.Status {
		b = appendVarint(b, 1, 1)
	}
	b = appendString(b, 2, m.ControllerUUID)
	b = appendString(b, 3, m.AgentUUID)
	b = appendStrings(b, 4, m.Topics)
	return b
}

func (m *NewNodeAck) UnmarshalWire(b []byte) error {
	*m = NewNodeAck{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			var x uint64
			n, err := consumeVarint(typ, v, &x)
			m.Status = x != 0
			return n, err
		case 2:
			return consumeString(typ, v, &m.ControllerUUID)
		case 3:
			return consumeString(typ, v, &m.AgentUUID)
		case 4:
			return consumeRepeatedString(typ, v, &m.Topics)
		}
		return -1, nil
	})
}

func (m *HelloMsg) MarshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.UUID)
	b = appendVarint(b, 2, m.Timeout)
	return b
}

func (m *HelloMsg) UnmarshalWire(b []byte) error {
	*m = HelloMsg{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &m.UUID)
		case 2:
			return consumeVarint(typ, v, &m.Timeout)
		}
		return -1, nil
	})
}

func (m *NodeExitMsg) MarshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.AgentUUID)
	b = appendString(b, 2, m.Reason)
	return b
}

func (m *NodeExitMsg) UnmarshalWire(b []byte) error {
	*m = NodeExitMsg{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &m.AgentUUID)
		case 2:
			return consumeString(typ, v, &m.Reason)
		}
		return -1, nil
	})
}
