package protocol

// Command is the first field of a line.
type Command string

// Kind classifies a command by direction.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRequest is sent by a client and handled by the server.
	KindRequest
	// KindResponse answers a request.
	KindResponse
	// KindPush is sent by the server unsolicited.
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// Requests.
const (
	CmdLogin               Command = "LOGIN"
	CmdRegister            Command = "REGISTER"
	CmdLogout              Command = "LOGOUT"
	CmdPing                Command = "PING"
	CmdMessageSend         Command = "MESSAGE_SEND"
	CmdMessageHistory      Command = "MESSAGE_HISTORY"
	CmdConversationList    Command = "CONVERSATION_LIST"
	CmdConversationCreate  Command = "CONVERSATION_CREATE"
	CmdConversationDelete  Command = "CONVERSATION_DELETE"
	CmdConversationRestore Command = "CONVERSATION_RESTORE"
	CmdUserSearch          Command = "USER_SEARCH"
	CmdUserStatus          Command = "USER_STATUS"
	CmdContactAdd          Command = "CONTACT_ADD"
	CmdContactRemove       Command = "CONTACT_REMOVE"
	CmdContactList         Command = "CONTACT_LIST"
	CmdProfileUpdate       Command = "PROFILE_UPDATE"
	CmdTyping              Command = "TYPING"
	CmdCallStart           Command = "CALL_START"
	CmdCallAnswer          Command = "CALL_ANSWER"
	CmdCallReject          Command = "CALL_REJECT"
	CmdCallEnd             Command = "CALL_END"
)

// Responses.
const (
	CmdSuccess Command = "SUCCESS"
	CmdError   Command = "ERROR"
	CmdPong    Command = "PONG"
)

// Pushes.
const (
	CmdUserStatusChanged    Command = "USER_STATUS_CHANGED"
	CmdMessageReceive       Command = "MESSAGE_RECEIVE"
	CmdConversationRestored Command = "CONVERSATION_RESTORED"
	CmdTypingStatus         Command = "TYPING_STATUS"
	CmdCallIncoming         Command = "CALL_INCOMING"
	CmdCallAnswered         Command = "CALL_ANSWERED"
	CmdCallRejected         Command = "CALL_REJECTED"
	CmdCallEnded            Command = "CALL_ENDED"
	CmdCallError            Command = "CALL_ERROR"
	CmdBye                  Command = "BYE"
)

// Minimum field counts. Handlers accept trailing optional fields.
var minFields = map[Command]int{
	CmdLogin:               2,
	CmdRegister:            3,
	CmdLogout:              0,
	CmdPing:                0,
	CmdMessageSend:         3,
	CmdMessageHistory:      1,
	CmdConversationList:    0,
	CmdConversationCreate:  1,
	CmdConversationDelete:  1,
	CmdConversationRestore: 1,
	CmdUserSearch:          1,
	CmdUserStatus:          1,
	CmdContactAdd:          1,
	CmdContactRemove:       1,
	CmdContactList:         0,
	CmdProfileUpdate:       1,
	CmdTyping:              2,
	CmdCallStart:           3,
	CmdCallAnswer:          2,
	CmdCallReject:          2,
	CmdCallEnd:             2,

	CmdUserStatusChanged:    2,
	CmdMessageReceive:       4,
	CmdConversationRestored: 1,
	CmdTypingStatus:         3,
	CmdCallIncoming:         5,
	CmdCallAnswered:         2,
	CmdCallRejected:         2,
	CmdCallEnded:            2,
	CmdCallError:            1,
}

// Kind reports the direction of c.
func (c Command) Kind() Kind {
	switch c {
	case CmdLogin, CmdRegister, CmdLogout, CmdPing,
		CmdMessageSend, CmdMessageHistory,
		CmdConversationList, CmdConversationCreate, CmdConversationDelete, CmdConversationRestore,
		CmdUserSearch, CmdUserStatus,
		CmdContactAdd, CmdContactRemove, CmdContactList,
		CmdProfileUpdate, CmdTyping,
		CmdCallStart, CmdCallAnswer, CmdCallReject, CmdCallEnd:
		return KindRequest
	case CmdSuccess, CmdError, CmdPong:
		return KindResponse
	case CmdUserStatusChanged, CmdMessageReceive, CmdConversationRestored, CmdTypingStatus,
		CmdCallIncoming, CmdCallAnswered, CmdCallRejected, CmdCallEnded, CmdCallError,
		CmdBye:
		return KindPush
	default:
		return KindUnknown
	}
}

// Known reports whether c belongs to the command set.
func (c Command) Known() bool {
	return c.Kind() != KindUnknown
}

// MinFields is the documented minimum field count of c.
func (c Command) MinFields() int {
	return minFields[c]
}

// Validate checks m against the minimum field count of its command.
func Validate(m Message) error {
	return m.Require(m.Command.MinFields())
}
