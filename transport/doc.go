// Package transport moves JSON-RPC 2.0 messages between two peers.
//
// # Overview
//
// Every transport implements Transport: install a Handler, Start once,
// Send messages, Close. Inbound messages, errors and the final close are
// reported through the Handler. The package has no RPC semantics; it never
// matches responses to requests.
//
// # Available Transports
//
//   - StdioServerTransport: serve a peer over stdin/stdout, one JSON
//     message per line
//   - StdioClientTransport: launch a server as a child process and talk to
//     it over its stdin/stdout
//   - SSEServerTransport: server-sent event stream for server-to-client
//     messages, HTTP POST for client-to-server messages
//   - SSEClientTransport: the client side of the event stream
//   - WebSocketTransport: one message per text frame, subprotocol "mcp"
//   - InMemoryTransport: linked in-process pair
//
// # Usage
//
//	t := transport.NewStdioServerTransport(os.Stdin, os.Stdout)
//	t.SetHandler(transport.HandlerFuncs{
//	    OnMessage: func(msg *transport.Message, _ *transport.MessageInfo) {
//	        if msg.Request != nil {
//	            t.Send(ctx, transport.NewResponse(msg.Request.ID, json.RawMessage(`{}`)))
//	        }
//	    },
//	})
//	if err := t.Start(ctx); err != nil {
//	    return err
//	}
//
// # Framing
//
// Line-oriented transports reassemble input with ReadBuffer. A line that
// is not a valid message is reported through HandleError and reading
// continues with the next line.
//
// Several StdioServerTransports may share one input stream through
// SharedReader: reading pauses only when the last of them detaches.
//
// # Thread Safety
//
// Send and Close are safe for concurrent use. Handler callbacks for one
// transport are not run concurrently, except for SSEServerTransport, which
// delivers on the goroutine of each POST request.
package transport
