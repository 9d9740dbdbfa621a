// Package serialization encodes actor messages into AMQP bodies.
//
// A Serializer handles the message format (JSON by default) and an optional
// Compressor shrinks the body. Publishers record the compressor in the
// compression-type header; consumers read it back through Decompressors.
// Failures on the consume side are reported as *DecodeError, which the
// consumer never retries.
package serialization
