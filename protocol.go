package main

import "github.com/mil-ad/rfkilld/internal/rfkill"

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"`          // "status" | "device"
	Device  string `json:"device,omitempty"` // name or decimal index, optional
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Connection *rfkill.Status  `json:"connection,omitempty"`
	Stale      bool            `json:"stale,omitempty"` // node not open, devices may be outdated
	Devices    []rfkill.Device `json:"devices,omitempty"`
	Device     *rfkill.Device  `json:"device,omitempty"`
	Preferred  string          `json:"preferred,omitempty"`
	Error      string          `json:"error,omitempty"`
}
