package dbus

// MessageType identifies the four kinds of D-Bus message.
type MessageType byte

const (
	// InvalidMessage is never sent; messages of unrecognized type
	// received off the wire are treated as this and silently dropped
	// by the router.
	InvalidMessage MessageType = 0
	MethodCall     MessageType = 1
	MethodReturn   MessageType = 2
	ErrorMessage   MessageType = 3
	Signal         MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case ErrorMessage:
		return "error"
	case Signal:
		return "signal"
	default:
		return "invalid"
	}
}

// HeaderFlags is a bitset of the flags byte in a message header.
type HeaderFlags byte

const (
	FlagNoReplyExpected      HeaderFlags = 1 << 0
	FlagNoAutoStart          HeaderFlags = 1 << 1
	FlagAllowInteractiveAuth HeaderFlags = 1 << 2
)

// ProtocolVersion is the only D-Bus wire protocol major version this
// library understands.
const ProtocolVersion = 1

// HeaderField identifies one entry in a message header's field array.
type HeaderField byte

const (
	FieldPath        HeaderField = 1
	FieldInterface   HeaderField = 2
	FieldMember      HeaderField = 3
	FieldErrorName   HeaderField = 4
	FieldReplySerial HeaderField = 5
	FieldDestination HeaderField = 6
	FieldSender      HeaderField = 7
	FieldSignature   HeaderField = 8
	FieldUnixFDs     HeaderField = 9
)

// requiredFields lists the header fields that must be present for
// each message type, per the wire protocol.
var requiredFields = map[MessageType][]HeaderField{
	MethodCall:   {FieldPath, FieldMember},
	MethodReturn: {FieldReplySerial},
	ErrorMessage: {FieldErrorName, FieldReplySerial},
	Signal:       {FieldPath, FieldInterface, FieldMember},
}

// headerFieldSig is the signature of each header field's value, used
// both when marshaling the field array and when type-checking values
// unmarshaled from it.
var headerFieldSig = map[HeaderField]Type{
	FieldPath:        {Kind: KindObjPath},
	FieldInterface:   {Kind: KindString},
	FieldMember:      {Kind: KindString},
	FieldErrorName:   {Kind: KindString},
	FieldReplySerial: {Kind: KindUint32},
	FieldDestination: {Kind: KindString},
	FieldSender:      {Kind: KindString},
	FieldSignature:   {Kind: KindSignature},
	FieldUnixFDs:     {Kind: KindUint32},
}
