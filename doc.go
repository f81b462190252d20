// Package kephasrelay provides a signaling and relay core for real-time peer matchmaking.
//
// Clients connect over WebSocket, authenticate with a signed credential, gather in rooms and
// exchange peer-connection handshake messages (offer, answer, ICE candidates) through the
// server. One member of each room holds the authority (host) role. Dropped clients resume with
// a short-lived, single-use reconnect token instead of authenticating again.
//
// # Architecture
//
// The server is composed of independent components wired together by the connection
// supervisor (internal/websocket):
//
//   - identity: credential verification, revocation and reconnect tokens
//   - session: the registry of authenticated sessions with idle and absolute timeouts
//   - room: room lifecycle, capacity and the authority state machine
//   - relay: sequence-checked, replay-resistant routing between room members
//   - admission: load-derived service levels and a circuit breaker
//
// # Quick Start
//
//	import "github.com/luciancaetano/kephasrelay/ws"
//
//	cfg, err := ws.LoadConfig("kephasrelay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server, err := ws.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop(context.Background())
//
// The same server is available as a binary: "kephasrelay serve --config
// kephasrelay.yaml". "kephasrelay token --subject alice" mints a development
// credential for HS256 deployments.
//
// # Protocol Format
//
// Every frame is a JSON object discriminated by its "type" field:
//
//	{"type":"join_room","code":"ABC123"}
//	{"type":"offer","target":"<peer id>","sdp":"v=0...","seq":1}
//
// Relayed messages carry a per-sender sequence number that must be exactly the next expected
// value. Critical operations (room creation, authority transfer, room closing) also carry a
// single-use nonce. The server stamps the authenticated sender on every relayed message; a
// "from" field supplied by a client is ignored.
//
// # Authentication
//
// Credentials are JWTs verified with a pinned algorithm. They are presented either as the
// WebSocket subprotocol "bearer.<token>" or in the first application message
// ({"type":"authenticate","token":"..."}), never in the query string.
//
// # Load Shedding
//
// The admission governor derives a service level from the ratio of active to maximum
// connections and sheds work progressively:
//
//   - Full (< 70%): everything is admitted
//   - Degraded (< 85%): new rooms are rejected
//   - Critical (< 95%): only reconnections are admitted
//   - Overloaded: no new admission at all
//
// # Close Codes
//
// Besides the standard codes the server uses 4001 (auth failed), 4002 (room full), 4003
// (kicked), 4004 (server shutdown), 4005 (rate limited), 4006 (session expired), 4007
// (session revoked), 4008 (protocol violation) and 4009 (heartbeat timeout).
package kephasrelay
