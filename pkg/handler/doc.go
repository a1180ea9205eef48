// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the endpoint engine to
// application logic.
//
// # Data Flow
//
//	Transport → Endpoint (parse, correlate) → Handler.Receive
//	Transport → Endpoint → Dispatcher (no resource, POST) → Handler.UnmatchedRequest
//
// The endpoint answers requests for stored resources and the discovery path
// on its own. Everything else reaches the Handler:
//   - Receive: directory responses, resets, empty messages and, when the
//     application opted to handle bootstrap, bootstrap server requests
//   - UnmatchedRequest: POST requests to paths that match no resource
//
// # Context
//
// The Context struct carries datagram metadata across handler calls:
//   - ExchangeID: Unique identifier of the processed datagram
//   - RemoteAddr: Address the datagram came from
//   - Protocol: Transport tag
//   - Value: Application context attached with SetContext
//
// # Example
//
//	type registrationLogger struct {
//		handler.NoopHandler
//		logger *slog.Logger
//	}
//
//	func (h *registrationLogger) Receive(ctx context.Context, hctx *handler.Context, msg *coap.Message) error {
//		h.logger.Info("response", slog.String("code", msg.Code.String()))
//		return nil
//	}
package handler
