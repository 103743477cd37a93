// ABOUTME: crossp2p data model and control protocol package
// ABOUTME: Shared types, error taxonomy and WebSocket client
// Package protocol defines the crossp2p data model (rooms, strategy
// results, service records, events), the error taxonomy, and the JSON
// control protocol spoken between crossp2pd and its controllers.
//
// Example:
//
//	c := protocol.NewClient(protocol.ClientConfig{ServerAddr: "localhost:8930", Name: "ctl"})
//	if err := c.Connect(); err != nil { ... }
//	var res protocol.StrategyResult
//	err := c.Call(ctx, protocol.MethodCreateRoom, protocol.CreateRoomArgs{...}, &res)
package protocol
