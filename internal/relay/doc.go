// Package relay implements group membership and fan-out delivery for the
// chat relay.
//
// The package is organized around three collaborators: a Registry that
// tracks which connections belong to which group, an Engine that delivers a
// payload to a snapshot of a group's members, and a Coordinator that
// sequences connect and disconnect against both. Transports plug in by
// providing a Handle for each connection.
package relay
