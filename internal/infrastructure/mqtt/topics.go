package mqtt

import "strings"

// Topic layout under the configured prefix:
//
//	<prefix>/boxes/<boxId>/data   measurement payloads from stations
//	<prefix>/system/status        retained online/offline status
const (
	boxesSegment = "boxes"
	dataSegment  = "data"
)

// Topics builds topics under a prefix.
//
//	topics := mqtt.Topics{Prefix: "sensemap"}
//	topics.BoxData("5a1b") // "sensemap/boxes/5a1b/data"
type Topics struct {
	Prefix string
}

// BoxData returns the data topic of one box.
func (t Topics) BoxData(boxID string) string {
	return t.join(boxesSegment, boxID, dataSegment)
}

// AllBoxData returns a pattern matching the data topic of every box.
//
// Pattern: <prefix>/boxes/+/data
func (t Topics) AllBoxData() string {
	return t.join(boxesSegment, "+", dataSegment)
}

// SystemStatus returns the topic for the service status.
func (t Topics) SystemStatus() string {
	return t.join("system", "status")
}

// BoxIDFromDataTopic extracts the box id from a box data topic.
func (t Topics) BoxIDFromDataTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.join(boxesSegment)+"/")
	if !ok {
		return "", false
	}
	boxID, ok := strings.CutSuffix(rest, "/"+dataSegment)
	if !ok || boxID == "" || strings.Contains(boxID, "/") {
		return "", false
	}
	return boxID, true
}

func (t Topics) join(parts ...string) string {
	prefix := strings.Trim(t.Prefix, "/")
	if prefix == "" {
		return strings.Join(parts, "/")
	}
	return prefix + "/" + strings.Join(parts, "/")
}
