// Package sessions defines the contracts between the relay core and the
// component that owns live connections.
//
// The relay coordinator only ever sees two surfaces: a Registry, mapping a
// logical identity to its currently connected Session, and a Gateway, which
// extends the Registry with frame delivery (unicast and fan-out). Transport
// mechanics (accepting, authenticating and disconnecting connections) live
// behind the Gateway and never leak into the core.
//
// Two implementations ship with this module: wshub (a WebSocket hub, the
// production transport) and sessions/memoryhost (in-process, used by tests
// and embedded deployments). sessions/redishost extends a local Gateway
// across multiple server instances.
package sessions
