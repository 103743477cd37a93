// Package crossp2p forms infrastructure-free local networks between a host
// and its peers and layers DNS-SD style service discovery on top.
//
// An Engine is built over a platform.Platform, the set of native
// collaborators it drives. Room formation tries peer-to-peer publishing,
// a local-only hotspot and finally a manual-setup fallback in that order;
// joining prefers a network suggestion and falls back to an imperative
// add/enable join confirmed by polling. Lifecycle notifications are
// delivered in order to the single subscriber of each bus channel.
//
// Example:
//
//	s := sim.New()
//	engine := crossp2p.New(crossp2p.Options{Platform: s.Platform()})
//	engine.SubscribeEvents(func(ev protocol.Event) { fmt.Println(ev.Type, ev.Message) })
//	engine.Initialize(ctx, crossp2p.DefaultInitOptions())
//	res, err := engine.CreateRoom(ctx, protocol.CreateRoomArgs{
//	    RoomID: "room1", SSID: "Class-42", Password: "pw123456", ExpectedSize: 30,
//	})
package crossp2p
