package server

import (
	"errors"
	"log"
	"strconv"

	"chatwire/models"
	"chatwire/protocol"
)

const (
	endReasonHangup            = "hangup"
	endReasonAnsweredElsewhere = "answered_elsewhere"
	endReasonTimeout           = "timeout"
)

func (s *Server) handleCallStart(session *Session, msg protocol.Message) {
	userID := session.UserID()
	conversationID := msg.Field(0)
	if msg.Field(1) != userID {
		s.fail(session, msg.Key, protocol.CodeForbidden, "Caller does not match session")
		return
	}
	callType, ok := models.ParseCallType(msg.Field(2))
	if !ok {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Invalid call type")
		return
	}

	participants, ok := s.conversationMembers(session, msg.Key, conversationID)
	if !ok {
		return
	}

	var receivers []string
	for _, id := range participants {
		if id != userID && s.registry.IsOnline(id) && !s.relay.Busy(id) {
			receivers = append(receivers, id)
		}
	}
	if len(receivers) == 0 {
		s.fail(session, msg.Key, protocol.CodeUnavailable, "No participant is online")
		return
	}

	record, port, err := s.relay.Start(conversationID, userID, receivers, callType)
	switch {
	case errors.Is(err, ErrCallerBusy):
		s.fail(session, msg.Key, protocol.CodeConflict, "Already in a call")
		return
	case errors.Is(err, ErrNoAvailablePorts):
		s.fail(session, msg.Key, protocol.CodeUnavailable, "No media ports available")
		return
	case err != nil:
		s.internalError(session, msg.Key, "call start", err)
		return
	}

	s.reply(session, msg.Key, "Call started", record.ID, s.relay.Host(), strconv.Itoa(port))
	s.push(receivers, userID, protocol.CmdCallIncoming,
		record.ID, conversationID, userID, session.Username(), string(callType))
}

func (s *Server) handleCallAnswer(session *Session, msg protocol.Message) {
	userID := session.UserID()
	callID := msg.Field(0)
	if msg.Field(1) != userID {
		s.fail(session, msg.Key, protocol.CodeForbidden, "User does not match session")
		return
	}

	record, port, err := s.relay.Answer(callID, userID)
	if !s.callFailed(session, msg.Key, err) {
		return
	}

	s.reply(session, msg.Key, "Call answered", s.relay.Host(), strconv.Itoa(port), string(record.Type))
	s.push([]string{record.CallerID}, "", protocol.CmdCallAnswered, callID, userID)
	s.push(record.ReceiverIDs, userID, protocol.CmdCallEnded, callID, userID, endReasonAnsweredElsewhere)
}

// handleCallReject is fire-and-forget: only failures are answered.
func (s *Server) handleCallReject(session *Session, msg protocol.Message) {
	userID := session.UserID()
	callID := msg.Field(0)
	if msg.Field(1) != userID {
		s.fail(session, msg.Key, protocol.CodeForbidden, "User does not match session")
		return
	}

	record, allRejected, err := s.relay.Reject(callID, userID)
	if !s.callFailed(session, msg.Key, err) {
		return
	}
	if allRejected {
		s.push([]string{record.CallerID}, "", protocol.CmdCallRejected, callID, userID)
	}
}

// handleCallEnd is fire-and-forget: only failures are answered.
func (s *Server) handleCallEnd(session *Session, msg protocol.Message) {
	userID := session.UserID()
	callID := msg.Field(0)
	if msg.Field(1) != userID {
		s.fail(session, msg.Key, protocol.CodeForbidden, "User does not match session")
		return
	}

	record, err := s.relay.End(callID, userID)
	if !s.callFailed(session, msg.Key, err) {
		return
	}
	s.push(callPeers(record, userID), userID, protocol.CmdCallEnded, callID, userID, endReasonHangup)
}

// callFailed maps relay errors to error replies. It returns true when err is nil.
func (s *Server) callFailed(session *Session, key string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrCallNotFound):
		s.fail(session, key, protocol.CodeNotFound, "Call not found")
	case errors.Is(err, ErrNotCallMember):
		s.fail(session, key, protocol.CodeForbidden, "Not a member of the call")
	case errors.Is(err, ErrCallNotRinging):
		s.fail(session, key, protocol.CodeConflict, "Call is no longer ringing")
	case errors.Is(err, ErrCallerBusy):
		s.fail(session, key, protocol.CodeConflict, "Already in a call")
	default:
		s.internalError(session, key, "call", err)
	}
	return false
}

// callPeers returns the members of a call other than userID. Once answered
// only the caller and the answering user are members.
func callPeers(record models.CallRecord, userID string) []string {
	var members []string
	if record.AnsweredBy != "" {
		members = []string{record.CallerID, record.AnsweredBy}
	} else {
		members = append([]string{record.CallerID}, record.ReceiverIDs...)
	}

	peers := members[:0:0]
	for _, id := range members {
		if id != userID {
			peers = append(peers, id)
		}
	}
	return peers
}

// callExpired runs when a call rang out without an answer.
func (s *Server) callExpired(record models.CallRecord) {
	s.push([]string{record.CallerID}, "", protocol.CmdCallError,
		record.ID, string(protocol.CodeTimeout), "No answer")
	s.push(record.ReceiverIDs, "", protocol.CmdCallEnded, record.ID, record.CallerID, endReasonTimeout)
}

// callPeerLost tells the remaining members that userID dropped out of the call.
func (s *Server) callPeerLost(record models.CallRecord, userID string) {
	n := s.push(callPeers(record, userID), userID, protocol.CmdCallError,
		record.ID, string(protocol.CodePeerDisconnected), "Peer disconnected")
	log.Printf("server: call %s failed, %s disconnected, %d peers notified", record.ID, userID, n)
}
