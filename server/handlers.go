package server

import (
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"chatwire/db"
	"chatwire/models"
	"chatwire/protocol"
)

// handleLine decodes and dispatches one inbound line. A panicking handler is
// logged and the line dropped.
func (s *Server) handleLine(session *Session, line string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("server: panic handling line from %s: %v", session.RemoteAddr(), r)
		}
	}()

	msg, err := protocol.Decode(line)
	if err != nil {
		s.fail(session, "", protocol.CodeBadRequest, "Invalid packet format")
		return
	}

	switch msg.Command {
	case protocol.CmdLogin, protocol.CmdRegister:
		// payload carries a password digest
		log.Printf("server: %s from %s", msg.Command, session.RemoteAddr())
	default:
		log.Printf("server: received from %s: %s", session.RemoteAddr(), msg.Command)
	}

	if msg.Command.Kind() != protocol.KindRequest {
		s.fail(session, msg.Key, protocol.CodeUnknownCommand, "Unknown command: "+string(msg.Command))
		return
	}
	if err := protocol.Validate(msg); err != nil {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Missing fields")
		return
	}

	switch msg.Command {
	case protocol.CmdLogin, protocol.CmdRegister, protocol.CmdPing:
	default:
		if session.State() != StateAuthenticated {
			s.fail(session, msg.Key, protocol.CodeUnauthorized, "Not authenticated")
			return
		}
	}

	switch msg.Command {
	case protocol.CmdPing:
		s.handlePing(session, msg)
	case protocol.CmdLogin:
		s.handleLogin(session, msg)
	case protocol.CmdRegister:
		s.handleRegister(session, msg)
	case protocol.CmdLogout:
		s.handleLogout(session, msg)
	case protocol.CmdMessageSend:
		s.handleMessageSend(session, msg)
	case protocol.CmdMessageHistory:
		s.handleHistory(session, msg)
	case protocol.CmdConversationList:
		s.handleConversationList(session, msg)
	case protocol.CmdConversationCreate:
		s.handleConversationCreate(session, msg)
	case protocol.CmdConversationDelete:
		s.handleConversationDelete(session, msg)
	case protocol.CmdConversationRestore:
		s.handleConversationRestore(session, msg)
	case protocol.CmdUserSearch:
		s.handleUserSearch(session, msg)
	case protocol.CmdUserStatus:
		s.handleUserStatus(session, msg)
	case protocol.CmdContactAdd:
		s.handleContactAdd(session, msg)
	case protocol.CmdContactRemove:
		s.handleContactRemove(session, msg)
	case protocol.CmdContactList:
		s.handleContactList(session, msg)
	case protocol.CmdProfileUpdate:
		s.handleProfileUpdate(session, msg)
	case protocol.CmdTyping:
		s.handleTyping(session, msg)
	case protocol.CmdCallStart:
		s.handleCallStart(session, msg)
	case protocol.CmdCallAnswer:
		s.handleCallAnswer(session, msg)
	case protocol.CmdCallReject:
		s.handleCallReject(session, msg)
	case protocol.CmdCallEnd:
		s.handleCallEnd(session, msg)
	default:
		s.fail(session, msg.Key, protocol.CodeUnknownCommand, "Unknown command: "+string(msg.Command))
	}
}

func (s *Server) reply(session *Session, key, message string, payload ...string) {
	line, err := protocol.SuccessLine(key, message, payload...)
	if err != nil {
		log.Printf("server: encode reply %q: %v", message, err)
		s.fail(session, key, protocol.CodeInternal, "Internal error")
		return
	}
	session.Send(line)
}

func (s *Server) fail(session *Session, key string, code protocol.ErrorCode, message string) {
	line, err := protocol.ErrorLine(key, code, message)
	if err != nil {
		log.Printf("server: encode error reply: %v", err)
		return
	}
	session.Send(line)
}

func (s *Server) internalError(session *Session, key string, op string, err error) {
	log.Printf("server: %s: %v", op, err)
	s.fail(session, key, protocol.CodeInternal, "Internal error")
}

// push sends a push line to the online users in userIDs except excludeUserID.
func (s *Server) push(userIDs []string, excludeUserID string, cmd protocol.Command, fields ...string) int {
	line, err := protocol.Encode(cmd, fields...)
	if err != nil {
		log.Printf("server: encode %s: %v", cmd, err)
		return 0
	}
	return s.registry.SendToMany(userIDs, line, excludeUserID)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handlePing(session *Session, msg protocol.Message) {
	line, err := protocol.EncodeRequest(protocol.CmdPong, msg.Key)
	if err != nil {
		return
	}
	session.Send(line)
}

func (s *Server) handleLogin(session *Session, msg protocol.Message) {
	login := strings.TrimSpace(msg.Field(0))
	digest := msg.Field(1)
	if login == "" || digest == "" {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Invalid credentials")
		return
	}

	user, err := s.db.Authenticate(login, digest)
	if errors.Is(err, db.ErrInvalidCredentials) {
		s.fail(session, msg.Key, protocol.CodeUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "login", err)
		return
	}

	if current := session.UserID(); current != "" && current != user.ID {
		s.logout(session)
	}
	if !session.authenticate(user) {
		return
	}

	displaced := s.registry.Add(user.ID, session)
	if session.Closed() {
		s.registry.RemoveIf(user.ID, session)
		return
	}

	s.reply(session, msg.Key, "Login successful",
		user.ID, user.Username, user.Email, user.DisplayName, user.Avatar)

	if displaced != nil {
		log.Printf("server: user %s logged in again from %s, replacing %s", user.ID, session.RemoteAddr(), displaced.RemoteAddr())
		if s.config.CloseDisplaced {
			s.sendBye(displaced, "displaced")
			displaced.Close()
		}
	}

	s.setOnline(user.ID)
	log.Printf("server: user %s (%s) authenticated from %s", user.ID, user.Username, session.RemoteAddr())
}

func (s *Server) handleRegister(session *Session, msg protocol.Message) {
	username := strings.TrimSpace(msg.Field(0))
	email := strings.TrimSpace(msg.Field(1))
	digest := msg.Field(2)
	phone := strings.TrimSpace(msg.Field(3))

	if username == "" || email == "" || digest == "" || !strings.Contains(email, "@") {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Invalid registration data")
		return
	}
	for _, v := range []string{username, email, phone} {
		if protocol.CheckText(v) != nil {
			s.fail(session, msg.Key, protocol.CodeBadRequest, "Invalid registration data")
			return
		}
	}

	user, err := s.db.CreateUser(username, email, phone, digest)
	if errors.Is(err, db.ErrUserExists) {
		s.fail(session, msg.Key, protocol.CodeConflict, "User already exists")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "register", err)
		return
	}

	log.Printf("server: registered user %s (%s)", user.ID, user.Username)
	s.reply(session, msg.Key, "Registration successful", user.ID)
}

func (s *Server) handleLogout(session *Session, msg protocol.Message) {
	s.reply(session, msg.Key, "Logged out")
	s.logout(session)
}

func (s *Server) handleMessageSend(session *Session, msg protocol.Message) {
	userID := session.UserID()
	m := models.Message{
		ConversationID: msg.Field(0),
		SenderID:       msg.Field(1),
		Content:        msg.Field(2),
		Type:           msg.Field(3),
		ReplyToID:      msg.Field(4),
		MediaURL:       msg.Field(5),
		FileName:       msg.Field(6),
	}
	if size := msg.Field(7); size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			s.fail(session, msg.Key, protocol.CodeBadRequest, "Invalid file size")
			return
		}
		m.FileSize = n
	}

	if m.SenderID != userID {
		s.fail(session, msg.Key, protocol.CodeForbidden, "Sender does not match session")
		return
	}
	if strings.TrimSpace(m.Content) == "" && m.MediaURL == "" {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Message text required")
		return
	}
	for _, v := range []string{m.Content, m.Type, m.ReplyToID, m.MediaURL, m.FileName} {
		if protocol.CheckText(v) != nil {
			s.fail(session, msg.Key, protocol.CodeBadRequest, "Message contains reserved sequences")
			return
		}
	}

	participants, ok := s.conversationMembers(session, msg.Key, m.ConversationID)
	if !ok {
		return
	}

	if err := s.db.SaveMessage(&m); err != nil {
		s.internalError(session, msg.Key, "save message", err)
		return
	}

	createdAt := formatTime(m.CreatedAt)
	s.reply(session, msg.Key, "Message sent", m.ID, createdAt)

	senderName, senderAvatar := session.Username(), ""
	if sender, err := s.db.GetUser(userID); err == nil {
		senderName, senderAvatar = sender.Name(), sender.Avatar
	}

	// every participant gets the push, the sender included
	s.push(participants, "", protocol.CmdMessageReceive,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.MediaURL,
		senderName, senderAvatar, m.FileName, strconv.FormatInt(m.FileSize, 10), m.ReplyToID, createdAt)
}

// conversationMembers loads the participants of conversationID and checks the
// session user is one of them. It replies with an error and returns false otherwise.
func (s *Server) conversationMembers(session *Session, key, conversationID string) ([]string, bool) {
	if conversationID == "" {
		s.fail(session, key, protocol.CodeBadRequest, "Conversation required")
		return nil, false
	}
	participants, err := s.db.Participants(conversationID)
	if err != nil {
		s.internalError(session, key, "participants", err)
		return nil, false
	}
	if len(participants) == 0 {
		s.fail(session, key, protocol.CodeNotFound, "Conversation not found")
		return nil, false
	}
	userID := session.UserID()
	for _, id := range participants {
		if id == userID {
			return participants, true
		}
	}
	s.fail(session, key, protocol.CodeForbidden, "Not a participant")
	return nil, false
}

func (s *Server) handleHistory(session *Session, msg protocol.Message) {
	conversationID := msg.Field(0)
	if _, ok := s.conversationMembers(session, msg.Key, conversationID); !ok {
		return
	}

	limit := msg.Int(1, 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	messages, err := s.db.GetMessages(conversationID, limit, msg.Field(2))
	if err != nil {
		s.internalError(session, msg.Key, "history", err)
		return
	}

	items := make([]string, 0, len(messages))
	for _, m := range messages {
		items = append(items, protocol.JoinColumns(
			m.ID,
			m.SenderID,
			protocol.Clean(m.SenderName),
			protocol.Clean(m.Content),
			m.Type,
			protocol.Clean(m.MediaURL),
			protocol.Clean(m.FileName),
			strconv.FormatInt(m.FileSize, 10),
			m.ReplyToID,
			formatTime(m.CreatedAt),
		))
	}

	s.reply(session, msg.Key, "History", strconv.Itoa(len(items)), protocol.JoinList(items))
}

func (s *Server) handleConversationList(session *Session, msg protocol.Message) {
	userID := session.UserID()
	conversations, err := s.db.ListConversations(userID)
	if err != nil {
		s.internalError(session, msg.Key, "conversation list", err)
		return
	}

	items := make([]string, 0, len(conversations))
	for _, c := range conversations {
		title := c.Title
		if title == "" && !c.IsGroup {
			title = s.directTitle(c.ID, userID)
		}
		items = append(items, protocol.JoinColumns(
			c.ID,
			protocol.Clean(title),
			protocol.FormatBool(c.IsGroup),
			protocol.Clean(c.LastMessage),
			formatTime(c.UpdatedAt),
		))
	}

	s.reply(session, msg.Key, "Conversations", strconv.Itoa(len(items)), protocol.JoinList(items))
}

// directTitle names a one-to-one conversation after the other participant.
func (s *Server) directTitle(conversationID, userID string) string {
	participants, err := s.db.Participants(conversationID)
	if err != nil {
		return ""
	}
	for _, id := range participants {
		if id == userID {
			continue
		}
		if u, err := s.db.GetUser(id); err == nil {
			return u.Name()
		}
	}
	return ""
}

func (s *Server) handleConversationCreate(session *Session, msg protocol.Message) {
	userID := session.UserID()
	title := strings.TrimSpace(msg.Field(0))
	if protocol.CheckText(title) != nil {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Invalid title")
		return
	}

	members := protocol.SplitList(msg.Field(1))
	for _, id := range members {
		if _, err := s.db.GetUser(id); errors.Is(err, db.ErrNoRows) {
			s.fail(session, msg.Key, protocol.CodeNotFound, "User not found: "+id)
			return
		} else if err != nil {
			s.internalError(session, msg.Key, "conversation create", err)
			return
		}
	}

	c, err := s.db.CreateConversation(userID, title, members)
	if err != nil {
		s.internalError(session, msg.Key, "conversation create", err)
		return
	}

	s.reply(session, msg.Key, "Conversation created", c.ID, c.Title, protocol.FormatBool(c.IsGroup))
}

func (s *Server) handleConversationDelete(session *Session, msg protocol.Message) {
	conversationID := msg.Field(0)
	err := s.db.SetConversationHidden(conversationID, session.UserID(), true)
	if errors.Is(err, db.ErrNoRows) {
		s.fail(session, msg.Key, protocol.CodeNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "conversation delete", err)
		return
	}
	s.reply(session, msg.Key, "Conversation deleted", conversationID)
}

func (s *Server) handleConversationRestore(session *Session, msg protocol.Message) {
	userID := session.UserID()
	conversationID := msg.Field(0)

	err := s.db.SetConversationHidden(conversationID, userID, false)
	if errors.Is(err, db.ErrNoRows) {
		s.fail(session, msg.Key, protocol.CodeNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "conversation restore", err)
		return
	}

	c, err := s.db.GetConversation(conversationID)
	if err != nil {
		s.internalError(session, msg.Key, "conversation restore", err)
		return
	}
	s.reply(session, msg.Key, "Conversation restored", conversationID)

	participants, err := s.db.Participants(conversationID)
	if err != nil {
		log.Printf("server: participants of %s: %v", conversationID, err)
		return
	}
	s.push(participants, userID, protocol.CmdConversationRestored, c.ID, c.Title, userID)
}

func (s *Server) handleUserSearch(session *Session, msg protocol.Message) {
	query := strings.TrimSpace(msg.Field(0))
	users, err := s.db.SearchUsers(query, session.UserID(), msg.Int(1, 20))
	if err != nil {
		s.internalError(session, msg.Key, "user search", err)
		return
	}

	items := make([]string, 0, len(users))
	for _, u := range users {
		items = append(items, protocol.JoinColumns(
			u.ID,
			u.Username,
			protocol.Clean(u.DisplayName),
			protocol.Clean(u.Avatar),
			protocol.FormatBool(s.registry.IsOnline(u.ID)),
			protocol.Clean(u.StatusText),
		))
	}

	s.reply(session, msg.Key, "Users", strconv.Itoa(len(items)), protocol.JoinList(items))
}

func (s *Server) handleUserStatus(session *Session, msg protocol.Message) {
	u, err := s.db.GetUser(msg.Field(0))
	if errors.Is(err, db.ErrNoRows) {
		s.fail(session, msg.Key, protocol.CodeNotFound, "User not found")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "user status", err)
		return
	}

	online := s.registry.IsOnline(u.ID)
	status := u.StatusText
	if !online {
		status = "offline"
	}
	s.reply(session, msg.Key, "Status", u.ID, protocol.FormatBool(online), status, formatTime(u.LastSeen))
}

// lookupUser resolves an id, username or email.
func (s *Server) lookupUser(ref string) (*models.User, error) {
	u, err := s.db.GetUser(ref)
	if errors.Is(err, db.ErrNoRows) {
		return s.db.FindUser(ref)
	}
	return u, err
}

func (s *Server) handleContactAdd(session *Session, msg protocol.Message) {
	userID := session.UserID()
	contact, err := s.lookupUser(strings.TrimSpace(msg.Field(0)))
	if errors.Is(err, db.ErrNoRows) {
		s.fail(session, msg.Key, protocol.CodeNotFound, "User not found")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "contact add", err)
		return
	}
	if contact.ID == userID {
		s.fail(session, msg.Key, protocol.CodeBadRequest, "Cannot add yourself")
		return
	}

	err = s.db.AddContact(userID, contact.ID)
	if errors.Is(err, db.ErrContactExists) {
		s.fail(session, msg.Key, protocol.CodeConflict, "Contact already exists")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "contact add", err)
		return
	}
	s.reply(session, msg.Key, "Contact added", contact.ID, contact.Username)
}

func (s *Server) handleContactRemove(session *Session, msg protocol.Message) {
	contact, err := s.lookupUser(strings.TrimSpace(msg.Field(0)))
	if err == nil {
		err = s.db.RemoveContact(session.UserID(), contact.ID)
	}
	if errors.Is(err, db.ErrNoRows) {
		s.fail(session, msg.Key, protocol.CodeNotFound, "Contact not found")
		return
	}
	if err != nil {
		s.internalError(session, msg.Key, "contact remove", err)
		return
	}
	s.reply(session, msg.Key, "Contact removed", contact.ID)
}

func (s *Server) handleContactList(session *Session, msg protocol.Message) {
	contacts, err := s.db.ListContacts(session.UserID())
	if err != nil {
		s.internalError(session, msg.Key, "contact list", err)
		return
	}

	items := make([]string, 0, len(contacts))
	for _, c := range contacts {
		items = append(items, protocol.JoinColumns(
			c.ContactID,
			c.Username,
			protocol.Clean(c.DisplayName),
			protocol.FormatBool(s.registry.IsOnline(c.ContactID)),
		))
	}
	s.reply(session, msg.Key, "Contacts", strconv.Itoa(len(items)), protocol.JoinList(items))
}

func (s *Server) handleProfileUpdate(session *Session, msg protocol.Message) {
	displayName := protocol.Clean(strings.TrimSpace(msg.Field(0)))
	avatar := protocol.Clean(strings.TrimSpace(msg.Field(1)))

	if err := s.db.UpdateProfile(session.UserID(), displayName, avatar); err != nil {
		s.internalError(session, msg.Key, "profile update", err)
		return
	}
	s.reply(session, msg.Key, "Profile updated", displayName, avatar)
}

// handleTyping is fire-and-forget: no reply on success.
func (s *Server) handleTyping(session *Session, msg protocol.Message) {
	userID := session.UserID()
	conversationID := msg.Field(0)

	participants, err := s.db.Participants(conversationID)
	if err != nil {
		log.Printf("server: typing in %s: %v", conversationID, err)
		return
	}
	member := false
	for _, id := range participants {
		if id == userID {
			member = true
			break
		}
	}
	if !member {
		s.fail(session, msg.Key, protocol.CodeForbidden, "Not a participant")
		return
	}

	s.push(participants, userID, protocol.CmdTypingStatus,
		conversationID, userID, protocol.FormatBool(msg.Bool(1)))
}
