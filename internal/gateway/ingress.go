package gateway

// translateInbound demultiplexes one inbound cloud message into the Event
// the state machine should see, or nil if the message is dropped (LIST,
// unknown kind, or an errored non-handshake message).
func translateInbound(msg InboundMessage) *Event {
	switch msg.Kind {
	case MsgRegister:
		if msg.Error {
			return &Event{Kind: EvtRegNotOK}
		}
		return &Event{Kind: EvtRegOK, Token: msg.Token}
	case MsgAuth:
		if msg.Error {
			return &Event{Kind: EvtAuthNotOK}
		}
		return &Event{Kind: EvtAuthOK}
	case MsgSchema:
		if msg.Error {
			return &Event{Kind: EvtSchNotOK}
		}
		return &Event{Kind: EvtSchOK}
	case MsgUpdate:
		if msg.Error {
			return nil
		}
		return &Event{Kind: EvtDataUpdate, Sensors: msg.Sensors, Values: msg.Values}
	case MsgRequest:
		if msg.Error {
			return nil
		}
		return &Event{Kind: EvtPubData, Sensors: msg.Sensors}
	case MsgUnregister:
		if msg.Error {
			return nil
		}
		return &Event{Kind: EvtUnregRequest}
	case MsgList:
		return nil
	default:
		return nil
	}
}
