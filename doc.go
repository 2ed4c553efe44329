// Package peerrpc lets a fixed group of named workers exchange
// asynchronous request/response messages.
//
// Workers live on top of a `group.Group`, a substrate offering ordered
// point-to-point sends and receives plus the barrier and all-gather
// collectives. The package ships two of them: `group.NewLocal` for workers
// living in the same process, and `Transport` for workers talking over
// QUIC, whose peers can be found with `Discover`.
//
// ## How it works
//
// Every worker creates an `Agent` with a unique name. Creation is a
// collective: names are all-gathered so each worker gets the same
// directory, where the id of a worker is its rank in the group.
//
// `Agent.Send` returns a `Future` completed with the response of the
// remote `Handler`, with an `*RemoteError` if the handler failed, or with
// a `*TimeoutError` if no response came in time. Messages carry an opaque
// payload plus auxiliary buffers, encoding them is up to you, or to
// `ProtoHandler` and `CallProto` if you use protobuf.
//
// Each message is announced by a fixed-size preamble on the channel of the
// destination, then its frame follows. A single listener goroutine reads
// them, a pool of goroutines runs the sends, the handlers and the
// resolution of futures.
//
// ## Shutting down
//
// Agents count the messages they sent to and processed from every peer.
// `Agent.Join` compares those counts across the group until every sent
// message was processed and no request is pending anywhere, then
// `Agent.Shutdown` can be called safely.
//
// `Agent.Shutdown` MUST NOT be called from a `Handler` or from a
// `Future.Then` callback.
package peerrpc
