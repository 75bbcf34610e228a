package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `rfkilld daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func printResponse(resp IPCResponse) error {
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runStatus() error {
	resp, err := ipcCall(IPCRequest{Command: "status"})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// runDevice prints one device. An empty key asks for the preferred device.
func runDevice(key string) error {
	resp, err := ipcCall(IPCRequest{Command: "device", Device: key})
	if err != nil {
		return err
	}
	return printResponse(resp)
}
