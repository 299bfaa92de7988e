// Package proxy orchestrates the session between a tool-calling client and
// the wrapped target server.
//
// The proxy performs the target handshake, merges the target's tool catalog
// with six local management tools, and routes each client call: management
// calls go to the store and query engine, everything else is forwarded over
// the subprocess transport. Forwarded responses pass a size gate on the way
// back; anything over the threshold is parked in the store and summarised.
package proxy
