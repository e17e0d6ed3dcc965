// Package channel implements one WebSocket connection over a byte transport:
// inbound frame reassembly, an ordered outbound queue with a single write in
// flight, and typed connection events.
//
// There are no write deadlines at this layer. A transport that stops
// accepting bytes stalls the outbound queue until it errors or is closed.
package channel
