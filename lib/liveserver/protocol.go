// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package liveserver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "chanlog.live.v1"

// Server to client text ops.
const (
	opServerInfo          = "serverInfo"
	opAdvertise           = "advertise"
	opUnadvertise         = "unadvertise"
	opSubscribed          = "subscribed"
	opUnsubscribed        = "unsubscribed"
	opStatus              = "status"
	opParameterValues     = "parameterValues"
	opAdvertiseServices   = "advertiseServices"
	opUnadvertiseServices = "unadvertiseServices"
	opServiceCallFailure  = "serviceCallFailure"
)

// Client to server text ops.
const (
	opSubscribe                   = "subscribe"
	opUnsubscribe                 = "unsubscribe"
	opGetParameters               = "getParameters"
	opSetParameters               = "setParameters"
	opSubscribeParameterUpdates   = "subscribeParameterUpdates"
	opUnsubscribeParameterUpdates = "unsubscribeParameterUpdates"
	opFetchAsset                  = "fetchAsset"
)

// Binary opcodes, server to client.
const (
	binaryMessageData         byte = 0x01
	binaryServiceCallResponse byte = 0x03
	binaryFetchAssetResponse  byte = 0x04
)

// Binary opcodes, client to server.
const (
	binaryClientPublish      byte = 0x01
	binaryServiceCallRequest byte = 0x02
)

// Capabilities advertised in serverInfo.
const (
	CapabilityClientPublish = "clientPublish"
	CapabilityParameters    = "parameters"
	CapabilityServices      = "services"
	CapabilityAssets        = "assets"
)

// Status levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// ErrorCode classifies a ProtocolError.
type ErrorCode string

const (
	CodeMalformedFrame      ErrorCode = "malformed-frame"
	CodeUnknownOp           ErrorCode = "unknown-op"
	CodeUnknownChannel      ErrorCode = "unknown-channel"
	CodeUnknownSubscription ErrorCode = "unknown-subscription"
	CodePayloadTooLarge     ErrorCode = "payload-too-large"
	CodeNotWritable         ErrorCode = "not-writable"
	CodeUnknownService      ErrorCode = "unknown-service"
	CodeUnsupported         ErrorCode = "unsupported"
)

// ProtocolError is a client request the server could not honor. It
// is sent to the client as a status frame and does not close the
// connection.
type ProtocolError struct {
	Code      ErrorCode
	Message   string
	RequestID *uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolErrorf(code ErrorCode, requestID *uint32, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...), RequestID: requestID}
}

// errTruncatedFrame marks a binary frame too short for its opcode's
// fixed header. It closes the connection.
var errTruncatedFrame = errors.New("binary frame shorter than its header")

// Text messages. Field names are the wire names.

type envelope struct {
	Op string `json:"op"`
}

type serverInfoMessage struct {
	Op                 string            `json:"op"`
	Name               string            `json:"name"`
	Capabilities       []string          `json:"capabilities"`
	SupportedEncodings []string          `json:"supportedEncodings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SessionID          string            `json:"sessionId"`
}

// AdvertisedChannel is one entry of an advertise message.
type AdvertisedChannel struct {
	ID             uint32            `json:"id"`
	Topic          string            `json:"topic"`
	Encoding       string            `json:"encoding"`
	SchemaName     string            `json:"schemaName"`
	Schema         string            `json:"schema"`
	SchemaEncoding string            `json:"schemaEncoding,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Writable       bool              `json:"writable,omitempty"`
}

type advertiseMessage struct {
	Op       string              `json:"op"`
	Channels []AdvertisedChannel `json:"channels"`
}

type unadvertiseMessage struct {
	Op         string   `json:"op"`
	ChannelIDs []uint32 `json:"channelIds"`
}

type subscribedMessage struct {
	Op             string  `json:"op"`
	RequestID      *uint32 `json:"requestId,omitempty"`
	SubscriptionID uint32  `json:"subscriptionId"`
	ChannelID      uint32  `json:"channelId"`
}

type unsubscribedMessage struct {
	Op             string  `json:"op"`
	RequestID      *uint32 `json:"requestId,omitempty"`
	SubscriptionID uint32  `json:"subscriptionId"`
}

type statusMessage struct {
	Op        string  `json:"op"`
	Level     string  `json:"level"`
	Code      string  `json:"code,omitempty"`
	Message   string  `json:"message"`
	RequestID *uint32 `json:"requestId,omitempty"`
}

type parameterValuesMessage struct {
	Op         string      `json:"op"`
	Parameters []Parameter `json:"parameters"`
	ID         string      `json:"id,omitempty"`
}

// AdvertisedService is one entry of an advertiseServices message.
type AdvertisedService struct {
	ID             uint32 `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	RequestSchema  string `json:"requestSchema,omitempty"`
	ResponseSchema string `json:"responseSchema,omitempty"`
}

type advertiseServicesMessage struct {
	Op       string              `json:"op"`
	Services []AdvertisedService `json:"services"`
}

type unadvertiseServicesMessage struct {
	Op         string   `json:"op"`
	ServiceIDs []uint32 `json:"serviceIds"`
}

type serviceCallFailureMessage struct {
	Op        string `json:"op"`
	ServiceID uint32 `json:"serviceId"`
	CallID    uint32 `json:"callId"`
	Message   string `json:"message"`
}

type subscribeRequest struct {
	ChannelID *uint32 `json:"channelId"`
	RequestID *uint32 `json:"requestId"`
}

type unsubscribeRequest struct {
	SubscriptionID *uint32 `json:"subscriptionId"`
	RequestID      *uint32 `json:"requestId"`
}

type getParametersRequest struct {
	Names []string `json:"names"`
	ID    string   `json:"id"`
}

type setParametersRequest struct {
	Parameters []Parameter `json:"parameters"`
	ID         string      `json:"id"`
}

type parameterUpdatesRequest struct {
	Names []string `json:"names"`
}

type fetchAssetRequest struct {
	URI       string  `json:"uri"`
	RequestID *uint32 `json:"requestId"`
}

func encodeJSON(message any) []byte {
	data, err := json.Marshal(message)
	if err != nil {
		// Every message type is plain data; Marshal cannot fail.
		panic(fmt.Sprintf("liveserver: encoding %T: %v", message, err))
	}
	return data
}

// Binary frames.

func encodeMessageData(subscriptionID uint32, logTime uint64, payload []byte) []byte {
	frame := make([]byte, 0, 1+4+8+len(payload))
	frame = append(frame, binaryMessageData)
	frame = binary.LittleEndian.AppendUint32(frame, subscriptionID)
	frame = binary.LittleEndian.AppendUint64(frame, logTime)
	return append(frame, payload...)
}

func encodeServiceCallResponse(serviceID, callID uint32, encoding string, payload []byte) []byte {
	frame := make([]byte, 0, 1+4+4+4+len(encoding)+len(payload))
	frame = append(frame, binaryServiceCallResponse)
	frame = binary.LittleEndian.AppendUint32(frame, serviceID)
	frame = binary.LittleEndian.AppendUint32(frame, callID)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(encoding)))
	frame = append(frame, encoding...)
	return append(frame, payload...)
}

// Fetch asset status values.
const (
	assetStatusOK    byte = 0
	assetStatusError byte = 1
)

func encodeFetchAssetResponse(requestID uint32, status byte, message string, payload []byte) []byte {
	frame := make([]byte, 0, 1+4+1+4+len(message)+len(payload))
	frame = append(frame, binaryFetchAssetResponse)
	frame = binary.LittleEndian.AppendUint32(frame, requestID)
	frame = append(frame, status)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(message)))
	frame = append(frame, message...)
	return append(frame, payload...)
}

// clientPublish is a decoded ClientPublish frame.
type clientPublish struct {
	channelID uint32
	payload   []byte
}

func decodeClientPublish(frame []byte) (clientPublish, error) {
	if len(frame) < 1+4 {
		return clientPublish{}, errTruncatedFrame
	}
	return clientPublish{
		channelID: binary.LittleEndian.Uint32(frame[1:5]),
		payload:   frame[5:],
	}, nil
}

// serviceCall is a decoded ServiceCallRequest frame.
type serviceCall struct {
	serviceID uint32
	callID    uint32
	encoding  string
	payload   []byte
}

func decodeServiceCall(frame []byte) (serviceCall, error) {
	if len(frame) < 1+4+4+4 {
		return serviceCall{}, errTruncatedFrame
	}
	encodingLength := binary.LittleEndian.Uint32(frame[9:13])
	if uint64(len(frame)-13) < uint64(encodingLength) {
		return serviceCall{}, errTruncatedFrame
	}
	end := 13 + int(encodingLength)
	return serviceCall{
		serviceID: binary.LittleEndian.Uint32(frame[1:5]),
		callID:    binary.LittleEndian.Uint32(frame[5:9]),
		encoding:  string(frame[13:end]),
		payload:   frame[end:],
	}, nil
}
