// Package events defines node lifecycle events and the publishers that
// broadcast them.
package events

// Node change kinds.
const (
	ChangeJoined = "joined"
	ChangeLeft   = "left"
)

// NodeChangedEvent is emitted when a node joins or leaves the fleet.
type NodeChangedEvent struct {
	NodeUUID  string `json:"nodeUuid"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Version   string `json:"version,omitempty"`
	Change    string `json:"change"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}
