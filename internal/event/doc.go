// Package event records the request and subrequest events reported by the
// app worker and streams them to debug clients.
//
// # Main Types
//
//   - [Bus]: bounded history (a [Ring] of [DefaultCapacity] entries) plus an
//     observer registry. New subscribers get a full replay, then live events.
//   - [Recorder]: the http.Handler bound as H2O_LOG_EVENT. It builds the
//     display payload (operation name, GraphiQL link, source-mapped stack line).
//   - [StreamHandler]: the debug-network endpoint. DELETE clears history,
//     anything else opens a Server-Sent Events stream.
//   - [SourceMapResolver]: maps bundle positions back to source files.
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Record, Subscribe and Clear serialize on
// one mutex, so every subscriber observes events in arrival order and a
// subscription never misses or duplicates an event recorded while it was
// being set up. Handlers run under that mutex and must not block; the
// stream handler hands events to a buffered channel and is dropped when the
// client falls too far behind.
//
// # Wire Format
//
//	event: Sub request
//	data: {"displayName":"query Product","url":"(prefetch) https://...","graphiqlLink":"/graphiql?...","stackLine":"loader (routes/products.tsx:12:5)","stackLink":"vscode://file/...",...}
package event
