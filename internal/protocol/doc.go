// Package protocol defines the control-channel wire format: JSON command
// datagrams from the remote, JSON replies to connect requests, and the ASCII
// frame relayed to the actuator.
package protocol
