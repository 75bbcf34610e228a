package mqtt

import "fmt"

// DefaultTopicPrefix roots every topic the daemon publishes.
const DefaultTopicPrefix = "rfkilld"

// Topics builds topic names under a prefix.
//
//	topics := Topics{Prefix: "rfkilld"}
//	topics.DeviceState(0) // "rfkilld/device/0/state"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// DeviceState carries the retained JSON state of one device.
func (t Topics) DeviceState(index uint32) string {
	return fmt.Sprintf("%s/device/%d/state", t.prefix(), index)
}

// Devices carries the retained list of known devices.
func (t Topics) Devices() string {
	return t.prefix() + "/devices"
}

// Node carries the retained connection state of the device node.
func (t Topics) Node() string {
	return t.prefix() + "/node"
}

// Status is the daemon's online/offline topic, also used as the LWT.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}
