// Package protocol defines the JSON messages exchanged with clients.
//
// Every frame is an object {"msgType": ..., "data": ...}. Inbound types are
// join, set and beingSet; outbound types are set, allItems and beingSet.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	TypeJoin     = "join"
	TypeSet      = "set"
	TypeBeingSet = "beingSet"
	TypeAllItems = "allItems"
)

// ErrMalformed marks an inbound frame that cannot be parsed or lacks a
// required field.
var ErrMalformed = errors.New("malformed message")

type envelope struct {
	MsgType string          `json:"msgType"`
	Data    json.RawMessage `json:"data"`
}

// Toggle is the wire form of an item. Expiry is absolute epoch milliseconds,
// or zero when the item does not expire.
type Toggle struct {
	Item   string `json:"item"`
	Name   string `json:"name"`
	Expiry int64  `json:"expiry"`
}

// SetRequest is the payload of an inbound set. Expiry is a delay in
// milliseconds relative to receipt.
type SetRequest struct {
	Item   string `json:"item"`
	Name   string `json:"name"`
	Expiry int64  `json:"expiry"`
}

// Inbound is a decoded client frame. Exactly one of the payload fields is
// meaningful, selected by Type.
type Inbound struct {
	Type string
	Name string
	Item string
	Set  SetRequest
}

func Decode(raw []byte) (Inbound, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return Inbound{}, errors.Wrapf(ErrMalformed, "decode envelope: %v", err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return Inbound{}, errors.Wrapf(ErrMalformed, "%q has no data", env.MsgType)
	}

	switch env.MsgType {
	case TypeJoin:
		var name string
		if err := json.Unmarshal(env.Data, &name); err != nil {
			return Inbound{}, errors.Wrapf(ErrMalformed, "join data: %v", err)
		}
		return Inbound{Type: TypeJoin, Name: name}, nil
	case TypeBeingSet:
		var item string
		if err := json.Unmarshal(env.Data, &item); err != nil || item == "" {
			return Inbound{}, errors.Wrap(ErrMalformed, "beingSet data must be an item key")
		}
		return Inbound{Type: TypeBeingSet, Item: item}, nil
	case TypeSet:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return Inbound{}, errors.Wrapf(ErrMalformed, "set data: %v", err)
		}
		for _, f := range []string{"item", "name", "expiry"} {
			if _, ok := fields[f]; !ok {
				return Inbound{}, errors.Wrapf(ErrMalformed, "set data missing %q", f)
			}
		}
		var req SetRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return Inbound{}, errors.Wrapf(ErrMalformed, "set data: %v", err)
		}
		if req.Item == "" {
			return Inbound{}, errors.Wrap(ErrMalformed, "set data has empty item")
		}
		return Inbound{Type: TypeSet, Item: req.Item, Name: req.Name, Set: req}, nil
	default:
		return Inbound{}, errors.Wrapf(ErrMalformed, "unknown msgType %q", env.MsgType)
	}
}

func encode(msgType string, data any) []byte {
	raw, err := json.Marshal(struct {
		MsgType string `json:"msgType"`
		Data    any    `json:"data"`
	}{msgType, data})
	if err != nil {
		// Only plain strings and ints reach here.
		panic(err)
	}
	return raw
}

func EncodeSet(t Toggle) []byte {
	return encode(TypeSet, t)
}

func EncodeAllItems(ts []Toggle) []byte {
	if ts == nil {
		ts = []Toggle{}
	}
	return encode(TypeAllItems, ts)
}

func EncodeBeingSet(item string) []byte {
	return encode(TypeBeingSet, item)
}

func EncodeJoin(name string) []byte {
	return encode(TypeJoin, name)
}

func EncodeSetRequest(req SetRequest) []byte {
	return encode(TypeSet, req)
}

// Frame is a decoded outbound frame, used by clients.
type Frame struct {
	MsgType string          `json:"msgType"`
	Data    json.RawMessage `json:"data"`
}
