// Package sync replicates a volume with its peers.
//
// Overview
//
// Every node keeps, per peer, two watermarks: the local seqnos the peer is
// known to hold ("pushed") and the peer's seqnos this node holds
// ("pulled"). An exchange sends the changes outside a watermark as one or
// more packets and advances the watermark only after the other side has
// committed them.
//
// Bindings
//
// The same packets travel two ways:
//
//	online   POST <peer>/sync with a packet body, reply packet in the response
//	offline  packets left on removable media for the next visit:
//
//	         <mount>/push/<uuid>.push.packet
//	         <mount>/pull/<uuid>.pull.packet
//	         <mount>/ack/<uuid>.ack.packet
//
// Watermark rules
//
//	push acknowledged   pushed ∪= ack,        pulled ∪= merged
//	pull applied        pulled ∪= committed,  pushed ∪= merged
//
// Usage
//
//	engine, err := sync.New(vol, sync.OpenWatermarks(filepath.Join(root, "sync")), cfg)
//	if err != nil {
//	    return err
//	}
//	res, err := engine.SyncWithRetry(ctx, sync.Peer{ID: "hub", URL: "http://hub:8000"})
package sync
