package wire

import (
	"reflect"
	"testing"
)

const messagesTestPrefix = "wire:messages_test"

func TestSchemaMessages_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Message
		out  Message
	}{
		{
			name: "new node",
			in: &NewNodeMsg{
				AgentUUID: "agent-1",
				IP:        "10.0.0.7",
				Name:      "agentA",
				Info:      "ath9k testbed node",
				Version:   "0.1.0",
				Modules: []ModuleDesc{
					{ID: 1, Name: "wifi", Attributes: []string{"channel"}, Functions: []string{"set_channel", "get_channel"}, Device: "phy0"},
					{ID: 2, Name: "iperf", Services: []string{"start_server"}, Events: []string{"PacketLoss"}},
				},
				Interfaces: []InterfaceDesc{{ID: 1, Name: "wlan0", ModuleIDs: []uint64{1, 2}}},
			},
			out: &NewNodeMsg{},
		},
		{
			name: "ack",
			in:   &NewNodeAck{Status: true, ControllerUUID: "ctrl", AgentUUID: "agent-1", Topics: []string{"ALL"}},
			out:  &NewNodeAck{},
		},
		{name: "hello", in: &HelloMsg{UUID: "agent-1", Timeout: 9}, out: &HelloMsg{}},
		{name: "exit", in: &NodeExitMsg{AgentUUID: "agent-1", Reason: "shutdown"}, out: &NodeExitMsg{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.out.UnmarshalWire(tt.in.MarshalWire()); err != nil {
				t.Fatalf("%s - UnmarshalWire: %v", messagesTestPrefix, err)
			}
			if !reflect.DeepEqual(tt.in, tt.out) {
				t.Errorf("%s - got %+v, want %+v", messagesTestPrefix, tt.out, tt.in)
			}
		})
	}
}

func TestParseMessage_WrongEncoding(t *testing.T) {
	env, err := NewOpaque("n", Descriptor{Type: TypeHello}, "x")
	if err != nil {
		t.Fatalf("%s - NewOpaque: %v", messagesTestPrefix, err)
	}
	if err := env.ParseMessage(&HelloMsg{}); err == nil {
		t.Errorf("%s - expected error parsing opaque payload as schema", messagesTestPrefix)
	}
}

func TestRuleEvent_Opaque(t *testing.T) {
	env, err := NewOpaque("agent-1", Descriptor{Type: TypeRuleEvent}, RuleEvent{RuleID: 3, Value: "peak"})
	if err != nil {
		t.Fatalf("%s - NewOpaque: %v", messagesTestPrefix, err)
	}
	var ev RuleEvent
	if err := env.DecodeOpaque(&ev); err != nil {
		t.Fatalf("%s - DecodeOpaque: %v", messagesTestPrefix, err)
	}
	if ev.RuleID != 3 || ev.Value != "peak" {
		t.Errorf("%s - got %+v", messagesTestPrefix, ev)
	}
}
