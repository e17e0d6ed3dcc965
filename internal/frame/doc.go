// Package frame encodes and decodes single RFC 6455 WebSocket frames.
//
// The codec is written for the server role: Encode never masks, while Decode
// unmasks client frames. Reusing it on the client side would require adding
// outbound masking.
package frame
