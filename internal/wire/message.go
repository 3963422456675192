package wire

// MessageKind discriminates the message variants spec §3 names. Lock
// control (MethodKindLockRequest et al.) is deliberately its own kind,
// separate from MethodKindMethodRequest, rather than a name checked inside
// method dispatch — see DESIGN.md's "Lock bypass mechanism" entry.
type MessageKind byte

const (
	KindHandshake MessageKind = iota
	KindMethodRequest
	KindLockRequest
	KindReply
	KindErrorReply
	KindSignal
	KindSignalSubscribe
	KindSignalSubscribeReply
	KindSignalUnsubscribe
	KindSignalRemoved
)

// ErrorKind enumerates spec §7's error taxonomy.
type ErrorKind int

const (
	ErrKindUnknownReceiver ErrorKind = iota
	ErrKindUnknownMethod
	ErrKindUnknownPeer
	ErrKindLocked
	ErrKindInvalidArgument
	ErrKindApplicationError
	ErrKindTimeout
	ErrKindPeerLost
	ErrKindProtocolMismatch
	ErrKindOverrun
	ErrKindIllegalState
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindUnknownReceiver:
		return "unknown_receiver"
	case ErrKindUnknownMethod:
		return "unknown_method"
	case ErrKindUnknownPeer:
		return "unknown_peer"
	case ErrKindLocked:
		return "locked"
	case ErrKindInvalidArgument:
		return "invalid_argument"
	case ErrKindApplicationError:
		return "application_error"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindPeerLost:
		return "peer_lost"
	case ErrKindProtocolMismatch:
		return "protocol_mismatch"
	case ErrKindOverrun:
		return "overrun"
	case ErrKindIllegalState:
		return "illegal_state"
	default:
		return "unknown"
	}
}

// ErrorInfo is the tagged-union exception payload carried by an
// ErrorReply message, preserving enough information for the proxy to
// reconstruct a local error with the remote's failure kind and message
// intact (spec §9's "remote-exception fidelity").
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	Detail  Value
}

// Handshake is the mandatory first frame on every peer connection
// (spec §6), validated before any other message kind is accepted.
type Handshake struct {
	Workgroup       string
	ProtocolVersion uint32
	ContextName     string
}

const ProtocolVersion uint32 = 1

// Message is the single wire-level envelope for every request, reply,
// signal and control message exchanged between contexts, mirroring the
// variant family in messaging.py (QMI_RequestMessage / QMI_ReplyMessage /
// QMI_ErrorReplyMessage / QMI_InitialHandshakeMessage) and pubsub.py
// (QMI_SignalMessage / QMI_SignalSubscriptionRequest / ...Reply /
// QMI_SignalRemovedMessage), collapsed into one Go struct with a Kind tag
// instead of a class hierarchy.
type Message struct {
	Kind        MessageKind
	RequestID   uint64
	Source      Address
	Destination Address

	// KindMethodRequest / KindLockRequest
	MethodName string
	Args       Value
	Kwargs     Value
	LockToken  string
	LockWait   bool

	// KindReply
	Result Value

	// KindErrorReply
	Error *ErrorInfo

	// KindSignal: SignalName/SignalArgs only, publisher identity is Source.
	// KindSignalSubscribe / KindSignalUnsubscribe: PublisherName/SignalName,
	// subscribe-vs-unsubscribe follows from Kind itself.
	// KindSignalSubscribeReply: SubscribeSuccess/SubscribeError, matched to
	// the request by RequestID.
	// KindSignalRemoved: PublisherName/SignalName.
	SignalName       string
	SignalArgs       Value
	PublisherName    string
	SubscribeSuccess bool
	SubscribeError   string

	// KindHandshake
	Handshake *Handshake
}

// Encode renders the message as a Value record, then as canonical bytes.
func (m Message) Encode() []byte {
	fields := map[string]Value{
		"request_id":  Int(int64(m.RequestID)),
		"source":      String(m.Source.String()),
		"destination": String(m.Destination.String()),
	}
	switch m.Kind {
	case KindMethodRequest, KindLockRequest:
		fields["method"] = String(m.MethodName)
		fields["args"] = m.Args
		fields["kwargs"] = m.Kwargs
		fields["lock_token"] = String(m.LockToken)
		fields["lock_wait"] = Bool(m.LockWait)
	case KindReply:
		fields["result"] = m.Result
	case KindErrorReply:
		if m.Error != nil {
			fields["error"] = Record("error", map[string]Value{
				"kind":    Int(int64(m.Error.Kind)),
				"message": String(m.Error.Message),
				"detail":  m.Error.Detail,
			})
		}
	case KindSignal:
		fields["signal"] = String(m.SignalName)
		fields["signal_args"] = m.SignalArgs
	case KindSignalSubscribe, KindSignalUnsubscribe:
		fields["publisher"] = String(m.PublisherName)
		fields["signal"] = String(m.SignalName)
	case KindSignalSubscribeReply:
		fields["success"] = Bool(m.SubscribeSuccess)
		fields["error"] = String(m.SubscribeError)
	case KindSignalRemoved:
		fields["publisher"] = String(m.PublisherName)
		fields["signal"] = String(m.SignalName)
	case KindHandshake:
		if m.Handshake != nil {
			fields["handshake"] = Record("handshake", map[string]Value{
				"workgroup":        String(m.Handshake.Workgroup),
				"protocol_version": Int(int64(m.Handshake.ProtocolVersion)),
				"context_name":     String(m.Handshake.ContextName),
			})
		}
	}

	rec := Record(kindName(m.Kind), fields)
	return Encode(nil, rec)
}

// DecodeMessage parses one canonical message from buf.
func DecodeMessage(buf []byte) (Message, error) {
	v, _, err := Decode(buf)
	if err != nil {
		return Message{}, err
	}
	kind, err := kindFromName(v.RecordName)
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind}
	if rid, ok := v.Map["request_id"]; ok {
		m.RequestID = uint64(rid.Int)
	}
	if src, ok := v.Map["source"]; ok {
		m.Source, _ = ParseAddress(src.Str)
	}
	if dst, ok := v.Map["destination"]; ok {
		m.Destination, _ = ParseAddress(dst.Str)
	}
	switch kind {
	case KindMethodRequest, KindLockRequest:
		m.MethodName = v.Map["method"].Str
		m.Args = v.Map["args"]
		m.Kwargs = v.Map["kwargs"]
		m.LockToken = v.Map["lock_token"].Str
		m.LockWait = v.Map["lock_wait"].Bool
	case KindReply:
		m.Result = v.Map["result"]
	case KindErrorReply:
		if errVal, ok := v.Map["error"]; ok {
			m.Error = &ErrorInfo{
				Kind:    ErrorKind(errVal.Map["kind"].Int),
				Message: errVal.Map["message"].Str,
				Detail:  errVal.Map["detail"],
			}
		}
	case KindSignal:
		m.SignalName = v.Map["signal"].Str
		m.SignalArgs = v.Map["signal_args"]
	case KindSignalSubscribe, KindSignalUnsubscribe:
		m.PublisherName = v.Map["publisher"].Str
		m.SignalName = v.Map["signal"].Str
	case KindSignalSubscribeReply:
		m.SubscribeSuccess = v.Map["success"].Bool
		m.SubscribeError = v.Map["error"].Str
	case KindSignalRemoved:
		m.PublisherName = v.Map["publisher"].Str
		m.SignalName = v.Map["signal"].Str
	case KindHandshake:
		if hs, ok := v.Map["handshake"]; ok {
			m.Handshake = &Handshake{
				Workgroup:       hs.Map["workgroup"].Str,
				ProtocolVersion: uint32(hs.Map["protocol_version"].Int),
				ContextName:     hs.Map["context_name"].Str,
			}
		}
	}
	return m, nil
}

func kindName(k MessageKind) string {
	names := [...]string{
		"handshake", "method_request", "lock_request", "reply", "error_reply",
		"signal", "signal_subscribe", "signal_subscribe_reply",
		"signal_unsubscribe", "signal_removed",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

func kindFromName(name string) (MessageKind, error) {
	for k := MessageKind(0); k <= KindSignalRemoved; k++ {
		if kindName(k) == name {
			return k, nil
		}
	}
	return 0, errUnknownMessageKind(name)
}

type errUnknownMessageKind string

func (e errUnknownMessageKind) Error() string {
	return "wire: unknown message kind " + string(e)
}
