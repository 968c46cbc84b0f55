package hostrpc

import (
	"errors"
	"time"

	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

// Built-in route names served by every endpoint.
const (
	RouteLog  = route.BuiltinLog
	RoutePing = route.BuiltinPing
)

// Standard error messages
const (
	// Transport errors, sent as the rejection of in-flight calls
	ErrMsgConnectionClosed = "Connection closed"
	ErrMsgWebSocket        = "WebSocket error occurred"

	// Protocol errors
	ErrMsgParseError            = "Parse error"
	ErrMsgCommandNotImplemented = "Command type not implemented."
	ErrMsgProcessingRequest     = "Error processing request."

	// Endpoint errors
	ErrMsgNotConnected      = "not connected"
	ErrMsgDestroyed         = "endpoint destroyed"
	ErrMsgTimeout           = "timed out waiting for reply"
	ErrMsgPeerNotFound      = "peer not found"
	ErrMsgFailedToEncode    = "failed to encode message"
	ErrMsgServerRunning     = "server already running"
	ErrMsgRateLimitExceeded = "Rate limit exceeded"
)

var (
	ErrConnectionClosed = errors.New(ErrMsgConnectionClosed)
	ErrWebSocket        = errors.New(ErrMsgWebSocket)
	ErrNotConnected     = errors.New(ErrMsgNotConnected)
	ErrDestroyed        = errors.New(ErrMsgDestroyed)
	ErrTimeout          = errors.New(ErrMsgTimeout)
	ErrPeerNotFound     = errors.New(ErrMsgPeerNotFound)
	ErrServerRunning    = errors.New(ErrMsgServerRunning)

	ErrCommandNotImplemented = errors.New(ErrMsgCommandNotImplemented)

	ErrRouteNotFound = route.ErrRouteNotFound
	ErrInvalidParams = route.ErrInvalidParams
	ErrAlreadyDone   = deferred.ErrAlreadyDone
	ErrBadMagic      = protocol.ErrBadMagic
	ErrBadHeader     = protocol.ErrBadHeader
	ErrFrameTooLarge = protocol.ErrFrameTooLarge
)

// Defaults
const (
	DefaultReconnectDelay = 1000 * time.Millisecond
	DefaultWaitTimeout    = 5000 * time.Millisecond
	DefaultSocketHost     = "127.0.0.1"
	DefaultPortEnv        = "AVALON_HARMONY_PORT"
	DefaultPath           = "/ws"
)
