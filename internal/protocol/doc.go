// Package protocol defines the Helix gateway wire messages and the codecs
// that turn them into transport frames.
//
// # Messages
//
// Every frame exchanged with the gateway is one of five variants:
//
//	{type:"req",   id, method, params}
//	{type:"res",   id, ok, payload | error}
//	{type:"event", name, payload}
//	{type:"ping",  id}
//	{type:"pong",  id}
//
// The variants are modelled as a closed set of concrete types implementing
// Message. Callers switch on the concrete type:
//
//	switch m := msg.(type) {
//	case *protocol.Response:
//	    ...
//	case *protocol.Event:
//	    ...
//	}
//
// # Codecs
//
// JSONCodec produces the gateway's native text frames. MsgpackCodec produces
// binary frames with the same field names. Decode never panics: malformed
// bytes, unknown type tags, and frames missing required fields all come back
// as a *DecodeError so the connection owner can drop the frame and keep the
// session alive.
package protocol
