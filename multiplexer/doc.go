// Package multiplexer delivers server-to-client events over the delivery
// streams of a session.
//
// A session may hold several concurrent streams: standalone streams opened
// by a GET and response streams opened when a POST reply is upgraded to an
// event stream. Every event is delivered on exactly one stream:
//
//	Send     targets one logical stream (a request's response stream)
//	Publish  picks the first-registered open standalone stream, or holds
//	         the event in a bounded backlog until one opens
//
// Each stream has one consumer, its Serve loop, which owns the receiving end
// of the stream's channel outright. Producers never block: a full channel
// means the consumer is too slow, the stream is dropped and the event stays
// in the event store for resumption.
//
// Every delivered event is appended to an eventstore.Store under its logical
// stream id. A stream opened with a Last-Event-ID adopts the logical id of
// the stream that event was emitted on, replays the later events of that
// stream and continues live. An id that is unknown or aged out resumes from
// now. When two streams race to resume the same logical stream the first to
// register wins; the second fails with ErrResumeConflict.
//
// Closing a session asks every stream to write a terminal "close" frame and
// waits up to the grace period; consumers still running after that are
// force-dropped.
package multiplexer
