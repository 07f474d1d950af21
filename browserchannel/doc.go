// Copyright (c) 2013 Mathieu Turcotte
// Licensed under the MIT license.

// Package browserchannel implements the server side of the BrowserChannel
// long-polling transport, protocol version 8. It gives each browser client
// a logically bidirectional, ordered message stream over ordinary HTTP/1.1
// request-response pairs: a forward channel (client to server POSTs) and a
// back channel (a hanging server to client GET), each independently
// resilient to connection churn.
//
// The package only implements the transport. Application message
// semantics, the outer HTTP listener/router, base-path configuration, CLI
// and logging setup are the embedder's responsibility; see the
// SessionObserver interface and Handler for the integration surface.
package browserchannel

// SupportedProtocolVersion is the BrowserChannel wire protocol version
// implemented by this package. Requests carrying any other VER are
// rejected with "Version 8 required".
const SupportedProtocolVersion = 8
