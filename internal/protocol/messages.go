package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Version is the protocol revision offered in the connect handshake.
const Version = "1"

// Message kinds, carried in the "msg" field of every frame.
const (
	KindConnect   = "connect"
	KindConnected = "connected"
	KindFailed    = "failed"
	KindPing      = "ping"
	KindPong      = "pong"
	KindMethod    = "method"
	KindResult    = "result"
	KindSub       = "sub"
	KindUnsub     = "unsub"
	KindReady     = "ready"
	KindNoSub     = "nosub"
	KindAdded     = "added"
	KindChanged   = "changed"
	KindRemoved   = "removed"
)

// Message is one tagged frame variant.
type Message interface {
	Kind() string
}

type Connect struct {
	Version string   `json:"version"`
	Support []string `json:"support"`
}

type Connected struct {
	Session string `json:"session"`
}

// Failed is sent instead of Connected when the server refuses the version.
type Failed struct {
	Version string `json:"version"`
}

type Ping struct {
	ID string `json:"id,omitempty"`
}

type Pong struct {
	ID string `json:"id,omitempty"`
}

// Method invokes a named remote procedure. ID correlates the Result.
type Method struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type Result struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

type Sub struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Params []json.RawMessage `json:"params"`
}

type Unsub struct {
	ID string `json:"id"`
}

// Ready acknowledges that the initial data of each listed subscription has been sent.
type Ready struct {
	Subs []string `json:"subs"`
}

// NoSub reports that a subscription was refused or stopped by the server.
type NoSub struct {
	ID    string       `json:"id"`
	Error *RemoteError `json:"error,omitempty"`
}

type Added struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

type Changed struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
}

type Removed struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (Connect) Kind() string   { return KindConnect }
func (Connected) Kind() string { return KindConnected }
func (Failed) Kind() string    { return KindFailed }
func (Ping) Kind() string      { return KindPing }
func (Pong) Kind() string      { return KindPong }
func (Method) Kind() string    { return KindMethod }
func (Result) Kind() string    { return KindResult }
func (Sub) Kind() string       { return KindSub }
func (Unsub) Kind() string     { return KindUnsub }
func (Ready) Kind() string     { return KindReady }
func (NoSub) Kind() string     { return KindNoSub }
func (Added) Kind() string     { return KindAdded }
func (Changed) Kind() string   { return KindChanged }
func (Removed) Kind() string   { return KindRemoved }

// RemoteError is the server's explicit rejection payload. The error field may
// be a string or a number depending on the server.
type RemoteError struct {
	Err     json.RawMessage `json:"error,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Code returns the error field as text.
func (e *RemoteError) Code() string {
	if e == nil || len(e.Err) == 0 {
		return ""
	}
	return gjson.ParseBytes(e.Err).String()
}

// Text returns the most descriptive human-readable part of the error.
func (e *RemoteError) Text() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return e.Reason
	}
	return e.Message
}
