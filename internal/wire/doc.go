// Package wire defines the HCS-10 envelope and the application payloads it
// carries, and decodes raw topic contents into a closed set of typed messages.
//
// Two layers travel on a topic:
//   - Envelope: {"protocol":"hcs-10","operation":...} distinguishes the
//     connection handshake from application traffic.
//   - Payload: the JSON document embedded as a string in the "data" field of
//     a "message" envelope, classified by its own "type" field.
//
// Decode never panics. Content that fails to parse at either layer yields a
// *ParseError; content that parses but belongs to another protocol or an
// unknown operation/type yields Foreign or Unrecognized so callers can skip it.
//
// wire imports nothing internal.
package wire
