// Package relaynet is a real-time event broker for persistent duplex
// connections.
//
// Clients and servers exchange named events as JSON envelopes over
// websockets. A broker tracks the sessions of one shared channel, runs each
// inbound event through middleware, an optional input validator and a
// resolver, and fans broadcasts out to every live session.
//
// # Architecture
//
// The root package defines the transport contract every connection type
// implements:
//
//	type Transport interface {
//	    Accept(ctx context.Context) error
//	    Events() <-chan Event
//	    Send(ctx context.Context, data []byte) error
//	    Close(code int, reason string) error
//	    Async() bool
//	}
//
// A Platform converts a native connection (a gorilla *websocket.Conn or a
// raw net.Conn upgraded with gobwas/ws) into a Transport and mints session
// ids. Brokers are generic over the native connection type and never touch
// the socket directly.
//
// Use the ws package to build servers and clients; the internal packages
// are not importable from outside this module.
//
// # Quick Start
//
//	events := ws.NewEvents()
//	ws.MustHandle(events, "chat", ws.Event[ChatInput]{
//	    Input: ws.JSONInput[ChatInput](),
//	    Resolve: func(ctx context.Context, in ChatInput, h ws.Helpers) error {
//	        msg, err := relaynet.NewMessage("chat", in)
//	        if err != nil {
//	            return err
//	        }
//	        return h.Broadcast(ctx, msg)
//	    },
//	})
//
//	host := ws.NewHost(ws.HostConfig{Events: events})
//	go host.Run(ctx)
//	http.ListenAndServe(":8787", host)
//
// # Protocol Format
//
// Every frame is a UTF-8 JSON object:
//
//	{"type": "<event name>", "data": { ... }}
//
// data must be an object. Malformed frames are dropped without a reply.
// Event names starting with "$" are reserved:
//
//	$ERROR  {"message": "...", "stack": "..."}  error reported to one sender
//	$EXIT   {"sessionId": "..."}                a session left the channel
//	$PING   {}                                  client heartbeat
//	$PONG   {}                                  heartbeat reply
//
// Maximum payload: 10MB.
//
// # Rate Limiting
//
// Two independent guards apply to inbound frames. Each gorilla connection
// has a token bucket (default 100 messages/second, burst 200) that closes
// the connection with 1008 when exceeded. The room host additionally
// checks a fixed window per client IP (default 1000 messages per minute)
// and answers with $ERROR once it is used up.
//
// # Delivery
//
// Delivery is at most once. A send that fails is logged and never retried;
// a peer whose send queue fills up is disconnected. Sessions found closed
// during a broadcast are removed and announced with a single $EXIT.
package relaynet
