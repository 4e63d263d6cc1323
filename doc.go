// Package harness supervises a long-lived worker process and exchanges
// length-delimited JSON messages with it.
//
// A Supervisor spawns the worker, sends caller-numbered requests, and
// correlates the worker's asynchronous, possibly out-of-order replies back
// to the waiting caller by sequence number. Unsolicited event messages are
// fanned out to registered event listeners. Shutdown is race-safe: the
// worker is asked to exit and force-killed if it does not close within the
// deadline.
//
// Two transports are supported, chosen once at launch: a raw byte stream
// whose inbound side carries Content-Length-prefixed JSON frames, and a
// native inter-process channel carrying one JSON object per line on a
// dedicated descriptor pair. Outbound requests are newline-terminated JSON
// in both modes.
//
// Basic usage:
//
//	spec := &harness.LaunchSpec{Path: "/usr/local/bin/worker"}
//	sup := harness.New(spec, harness.Options{})
//
//	if err := sup.Start(ctx); err != nil {
//		return err
//	}
//
//	seq := harness.NewSequencer()
//
//	resp, err := sup.Send(ctx, harness.Request{
//		Seq:     seq.Next(),
//		Command: "open",
//		Arguments: map[string]any{"file": "main.go"},
//	})
//	if err != nil {
//		return err
//	}
//
//	graceful, err := sup.ExitOrKill(ctx, 3*time.Second)
//
// The harness treats command names and payloads as opaque: the message
// vocabulary belongs to the worker and its caller.
package harness
