package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects and prefixes.
const (
	DefaultUplinkPrefix   = "fleet.ul"
	DefaultDownlinkPrefix = "fleet.dl"
	SubjectManagement     = "fleet.controller.v1"
	SubjectNodeChanged    = "fleet.node.changed"
)

// BuildTopicSubject maps a wire topic onto a COMMS subject under prefix.
// Dots in the topic are replaced so a topic is always a single subject token.
func BuildTopicSubject(prefix, topic string) string {
	safe := strings.ReplaceAll(topic, ".", "_")
	return fmt.Sprintf("%s.%s", prefix, safe)
}

// TopicFromSubject is the inverse of BuildTopicSubject for the token part.
func TopicFromSubject(prefix, subject string) string {
	return strings.TrimPrefix(subject, prefix+".")
}

// BuildNodeChangeSubject builds a granular node lifecycle subject.
func BuildNodeChangeSubject(base, change, nodeUUID string) string {
	return fmt.Sprintf("%s.%s.%s", base, change, strings.ReplaceAll(nodeUUID, ".", "_"))
}
