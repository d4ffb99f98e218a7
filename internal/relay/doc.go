// Package relay implements the content relay engine: the task state machine
// with checkpointed resume, the media-group-aware streaming fetcher, the
// adaptive rate limiter, and the producer/consumer transfer pipeline.
//
// The engine is transport-agnostic: it talks to the remote platform through
// the Source and Sink interfaces and persists resume state through
// storage.Store. Content transformation is delegated to a Processor.
package relay
