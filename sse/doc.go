// Package sse implements the event-stream framing used by the streamable
// transport: a stateful line-oriented Parser, a Reader that drives the parser
// from an io.Reader, and an encoder for outbound frames.
//
// The parser never fails fatally. Malformed field lines are ignored,
// comments are skipped and a frame whose cumulative payload exceeds the
// configured maximum is dropped with ErrFrameTooLarge while the parser
// resynchronizes at the next blank line. The parser does not look at the
// payload; decoding it is the codec package's job.
//
// Wire format:
//
//	event: <type>
//	id: <id>
//	retry: <ms>
//	data: <line>
//	data: <line>
//	<blank line>
package sse
