// Package ncerr implements the closed NETCONF error-tag/error-type taxonomy
// and the <rpc-error> document builder. Every failure that must be reported
// to a client is built once as a *ncerr.Error value and handed to Reply; call
// sites never hand-assemble error XML themselves.
package ncerr

import (
	"encoding/xml"
	"fmt"
)

// Tag is one member of the closed NETCONF error-tag enumeration.
type Tag string

const (
	TagInUse                Tag = "in-use"
	TagInvalidValue         Tag = "invalid-value"
	TagTooBig               Tag = "too-big"
	TagMissingAttribute     Tag = "missing-attribute"
	TagBadAttribute         Tag = "bad-attribute"
	TagUnknownAttribute     Tag = "unknown-attribute"
	TagMissingElement       Tag = "missing-element"
	TagBadElement           Tag = "bad-element"
	TagUnknownElement       Tag = "unknown-element"
	TagUnknownNamespace     Tag = "unknown-namespace"
	TagAccessDenied         Tag = "access-denied"
	TagLockDenied           Tag = "lock-denied"
	TagResourceDenied       Tag = "resource-denied"
	TagDataExists           Tag = "data-exists"
	TagDataMissing          Tag = "data-missing"
	TagOperationNotSupported Tag = "operation-not-supported"
	TagOperationFailed      Tag = "operation-failed"
	TagMalformedMessage     Tag = "malformed-message"
)

// Type is one member of the closed NETCONF error-type enumeration.
type Type string

const (
	TypeTransport Type = "transport"
	TypeRPC       Type = "rpc"
	TypeProtocol  Type = "protocol"
	TypeApp       Type = "application"
)

// defaultMessage mirrors rpc_error_tag_to_msg: a human-readable default used
// when a call site does not supply its own message.
var defaultMessage = map[Tag]string{
	TagInUse:                 "Resource is already in use",
	TagInvalidValue:          "Unacceptable value for one or more parameters",
	TagTooBig:                "The request is too large to be handled",
	TagMissingAttribute:      "An expected attribute is missing",
	TagBadAttribute:          "An attribute value is not correct",
	TagUnknownAttribute:      "An unexpected attribute is present",
	TagMissingElement:        "An expected element is missing",
	TagBadElement:            "An element value is not correct",
	TagUnknownElement:        "An unexpected element is present",
	TagUnknownNamespace:      "An unexpected namespace is present",
	TagAccessDenied:          "Access to the requested resource is denied due to authorization failure",
	TagLockDenied:            "Access to the requested lock is denied because the lock is currently held by another entity",
	TagResourceDenied:        "Request could not be completed because of insufficient resources",
	TagDataExists:            "Requested data model content already exists",
	TagDataMissing:           "Requested data model content does not exist",
	TagOperationNotSupported: "Requested operation is not supported by this implementation",
	TagOperationFailed:       "Requested operation failed due to some reason",
	TagMalformedMessage:      "Failed to parse XML message",
}

// Error is the single tagged error-value type every component in this
// server builds and passes to the reply emitter (design note: errors are
// values).
type Error struct {
	Tag     Tag
	Type    Type
	Message string
	Info    map[string]string
	cause   error
}

// New builds an Error with the tag's default message.
func New(tag Tag, typ Type) *Error {
	return &Error{Tag: tag, Type: typ, Message: defaultMessage[tag]}
}

// Newf builds an Error with a formatted message, overriding the default.
func Newf(tag Tag, typ Type, format string, args ...interface{}) *Error {
	return &Error{Tag: tag, Type: typ, Message: fmt.Sprintf(format, args...)}
}

// WithInfo attaches error-info diagnostic pairs and returns the receiver for
// chaining at the construction site.
func (e *Error) WithInfo(kv map[string]string) *Error {
	e.Info = kv
	return e
}

// WithCause records a lower-layer error (already wrapped with
// github.com/pkg/errors where it originated) for logging; it is never
// rendered into the wire reply.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// Cause returns the wrapped lower-layer error, if any.
func (e *Error) Cause() error { return e.cause }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Tag, e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Tag, e.Type, e.Message)
}

// Common constructors for errors that recur across components with fixed
// wording, grounded on the request-handling sites in the original source.

func MissingAttribute(element, attribute string) *Error {
	return New(TagMissingAttribute, TypeProtocol).WithInfo(map[string]string{
		"bad-element":   element,
		"bad-attribute": attribute,
	})
}

func MissingElement(element string) *Error {
	return New(TagMissingElement, TypeProtocol).WithInfo(map[string]string{"bad-element": element})
}

func UnknownNamespace(namespace, element string) *Error {
	return New(TagUnknownNamespace, TypeApp).WithInfo(map[string]string{
		"bad-namespace": namespace,
		"bad-element":   element,
	})
}

func InUse(holderSessionID uint32) *Error {
	return New(TagInUse, TypeApp).WithInfo(map[string]string{"session-id": fmt.Sprintf("%d", holderSessionID)})
}

func LockDenied(holderSessionID uint32) *Error {
	return New(TagLockDenied, TypeProtocol).WithInfo(map[string]string{"session-id": fmt.Sprintf("%d", holderSessionID)})
}

func OperationNotSupported(format string, args ...interface{}) *Error {
	return Newf(TagOperationNotSupported, TypeProtocol, format, args...)
}

func OperationNotSupportedApp(format string, args ...interface{}) *Error {
	return Newf(TagOperationNotSupported, TypeApp, format, args...)
}

func MalformedMessage(format string, args ...interface{}) *Error {
	return Newf(TagMalformedMessage, TypeRPC, format, args...)
}

func InvalidValue(format string, args ...interface{}) *Error {
	return Newf(TagInvalidValue, TypeProtocol, format, args...)
}

func OperationFailed(format string, args ...interface{}) *Error {
	return Newf(TagOperationFailed, TypeApp, format, args...)
}

func DataExists() *Error { return New(TagDataExists, TypeApp) }

func DataMissing() *Error { return New(TagDataMissing, TypeApp) }

func TooBig() *Error { return New(TagTooBig, TypeApp) }

// FromSchemaTag builds an Error from a wire tag string and message, as
// produced by a schema adapter translation failure (schema/yangschema's
// TranslateError.Tag is already spelled like the wire tag). malformed-message
// is type rpc; everything else defaults to type application, matching where
// these failures originate in the query and edit pipelines.
func FromSchemaTag(tag, msg string) *Error {
	t := Tag(tag)
	if t == TagMalformedMessage {
		return Newf(t, TypeRPC, "%s", msg)
	}
	return Newf(t, TypeApp, "%s", msg)
}

// --- wire shapes -----------------------------------------------------------

// XMLErrorInfo is the polymorphic <error-info> payload; only the fields
// relevant to the originating tag are populated, the rest are zero and
// therefore omitted by encoding/xml's omitempty.
type XMLErrorInfo struct {
	XMLName      xml.Name `xml:"error-info"`
	BadNamespace string   `xml:"bad-namespace,omitempty"`
	BadElement   string   `xml:"bad-element,omitempty"`
	BadAttribute string   `xml:"bad-attribute,omitempty"`
	SessionID    string   `xml:"session-id,omitempty"`
}

// XMLRPCError is the <rpc-error> wire document built from an Error value.
type XMLRPCError struct {
	XMLName      xml.Name      `xml:"rpc-error"`
	Tag          string        `xml:"error-tag"`
	Type         string        `xml:"error-type"`
	Severity     string        `xml:"error-severity"`
	Message      *XMLErrorMsg  `xml:"error-message,omitempty"`
	Info         *XMLErrorInfo `xml:"error-info,omitempty"`
}

// XMLErrorMsg carries the xml:lang attribute RFC6241 requires on
// <error-message>.
type XMLErrorMsg struct {
	Lang string `xml:"xml:lang,attr"`
	Text string `xml:",chardata"`
}

// XMLRPCReply is the <rpc-reply> wire envelope: exactly one of OK, Data or
// Error is populated, matching the "always well-formed, always exactly one
// outcome" contract.
type XMLRPCReply struct {
	XMLName   xml.Name     `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 rpc-reply"`
	MessageID string       `xml:"message-id,attr,omitempty"`
	OK        *struct{}    `xml:"ok,omitempty"`
	Data      *RawData     `xml:"data,omitempty"`
	Error     *XMLRPCError `xml:"rpc-error,omitempty"`
}

// RawData wraps pre-serialized child XML fragments (produced by the query
// engine) so the reply envelope does not need to re-parse them.
type RawData struct {
	Fragments []byte `xml:",innerxml"`
}

// errorInfoXML builds the tag-dependent <error-info> payload, mirroring
// _create_error_info_xml's dispatch on tag.
func errorInfoXML(e *Error) *XMLErrorInfo {
	if e.Info == nil {
		return nil
	}
	switch e.Tag {
	case TagUnknownNamespace:
		ns, elem := e.Info["bad-namespace"], e.Info["bad-element"]
		if ns == "" || elem == "" {
			return nil
		}
		return &XMLErrorInfo{BadNamespace: ns, BadElement: elem}
	case TagInUse, TagLockDenied:
		sid := e.Info["session-id"]
		if sid == "" {
			return nil
		}
		return &XMLErrorInfo{SessionID: sid}
	case TagMissingAttribute, TagBadAttribute, TagUnknownAttribute:
		attr, elem := e.Info["bad-attribute"], e.Info["bad-element"]
		if attr == "" || elem == "" {
			return nil
		}
		return &XMLErrorInfo{BadAttribute: attr, BadElement: elem}
	case TagMissingElement, TagBadElement, TagUnknownElement:
		elem := e.Info["bad-element"]
		if elem == "" {
			return nil
		}
		return &XMLErrorInfo{BadElement: elem}
	default:
		return nil
	}
}

// Reply builds the <rpc-reply> document for e. messageID is empty when the
// originating RPC could not be identified (no <rpc>/message-id was ever
// parsed), in which case the attribute is omitted entirely.
func Reply(messageID string, e *Error) *XMLRPCReply {
	return &XMLRPCReply{
		MessageID: messageID,
		Error: &XMLRPCError{
			Tag:      string(e.Tag),
			Type:     string(e.Type),
			Severity: "error",
			Message:  &XMLErrorMsg{Lang: "en", Text: e.Message},
			Info:     errorInfoXML(e),
		},
	}
}

// OKReply builds the <rpc-reply><ok/></rpc-reply> document.
func OKReply(messageID string) *XMLRPCReply {
	return &XMLRPCReply{MessageID: messageID, OK: &struct{}{}}
}

// DataReply builds the <rpc-reply><data>...</data></rpc-reply> document
// from already-serialized inner XML produced by the query engine.
func DataReply(messageID string, innerXML []byte) *XMLRPCReply {
	return &XMLRPCReply{MessageID: messageID, Data: &RawData{Fragments: innerXML}}
}
