// Package livereload decides how browsers already showing the storefront
// pick up a rebuild.
//
// A [Coordinator] hashes every route loader while the bundler compiles,
// then compares the new assets manifest and loader hashes with the previous
// build. Changed route modules become a hot module replacement patch; a
// changed loader, a removed route or a failed hash forces a full reload.
// The first build never notifies anyone.
//
// [Server] is the websocket endpoint browsers keep open; [Server.Broadcast]
// pushes a [Decision] to every connected client.
package livereload
