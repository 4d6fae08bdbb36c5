package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"chatwire/config"
	"chatwire/protocol"
)

var ErrNotLoggedIn = errors.New("not logged in")

// Account is the profile returned by a successful login.
type Account struct {
	UserID      string
	Username    string
	Email       string
	DisplayName string
	Avatar      string
}

// Message is a chat message as carried by MESSAGE_RECEIVE and history lists.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Content        string
	Type           string
	MediaURL       string
	FileName       string
	FileSize       int64
	ReplyToID      string
	CreatedAt      time.Time
}

type Conversation struct {
	ID          string
	Title       string
	IsGroup     bool
	LastMessage string
	UpdatedAt   time.Time
}

type User struct {
	ID          string
	Username    string
	DisplayName string
	Avatar      string
	Online      bool
	Status      string
}

type Contact struct {
	ID          string
	Username    string
	DisplayName string
	Online      bool
}

// Status is a presence update or a USER_STATUS answer.
type Status struct {
	UserID   string
	Online   bool
	Status   string
	LastSeen time.Time
}

type Restored struct {
	ConversationID string
	Title          string
	RestoredBy     string
}

type Typing struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// Client is the typed request API on top of a Transport.
type Client struct {
	*Transport

	mu      sync.RWMutex
	account *Account
}

func New(cfg *config.ClientConfig, events Events, opts ...Option) *Client {
	return &Client{Transport: NewTransport(cfg, events, opts...)}
}

// PasswordDigest is what travels on the wire instead of the password.
func PasswordDigest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Account returns the logged-in profile or nil.
func (c *Client) Account() *Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return nil
	}
	a := *c.account
	return &a
}

func (c *Client) userID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return "", ErrNotLoggedIn
	}
	return c.account.UserID, nil
}

// Login authenticates with a username or email.
func (c *Client) Login(ctx context.Context, login, password string) (*Account, error) {
	resp, err := c.Request(ctx, protocol.CmdLogin, login, PasswordDigest(password))
	if err != nil {
		return nil, err
	}
	a := &Account{
		UserID:      resp.Field(0),
		Username:    resp.Field(1),
		Email:       resp.Field(2),
		DisplayName: resp.Field(3),
		Avatar:      resp.Field(4),
	}
	c.mu.Lock()
	c.account = a
	c.mu.Unlock()
	copied := *a
	return &copied, nil
}

// Register creates an account and returns its user id.
func (c *Client) Register(ctx context.Context, username, email, password, phone string) (string, error) {
	resp, err := c.Request(ctx, protocol.CmdRegister, username, email, PasswordDigest(password), phone)
	if err != nil {
		return "", err
	}
	return resp.Field(0), nil
}

// Logout ends the authenticated session. The connection stays open.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Request(ctx, protocol.CmdLogout)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.account = nil
	c.mu.Unlock()
	return nil
}

// UpdateProfile sets the display name and avatar others see instead of the
// username and returns the updated account.
func (c *Client) UpdateProfile(ctx context.Context, displayName, avatar string) (*Account, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, protocol.CmdProfileUpdate, displayName, avatar)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == nil {
		return nil, ErrNotLoggedIn
	}
	c.account.DisplayName = resp.Field(0)
	c.account.Avatar = resp.Field(1)
	copied := *c.account
	return &copied, nil
}

// SendMessage posts a text message and returns the stored id and time.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (string, time.Time, error) {
	userID, err := c.userID()
	if err != nil {
		return "", time.Time{}, err
	}
	resp, err := c.Request(ctx, protocol.CmdMessageSend, conversationID, userID, content, "text")
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.Field(0), parseTime(resp.Field(1)), nil
}

// History returns up to limit messages older than beforeID, oldest first.
// An empty beforeID starts from the newest message.
func (c *Client) History(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	resp, err := c.Request(ctx, protocol.CmdMessageHistory, conversationID, strconv.Itoa(limit), beforeID)
	if err != nil {
		return nil, err
	}
	return ParseHistory(conversationID, resp.Field(1)), nil
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	resp, err := c.Request(ctx, protocol.CmdConversationList)
	if err != nil {
		return nil, err
	}
	return ParseConversations(resp.Field(1)), nil
}

// CreateConversation creates a conversation with the caller and memberIDs.
func (c *Client) CreateConversation(ctx context.Context, title string, memberIDs []string) (Conversation, error) {
	resp, err := c.Request(ctx, protocol.CmdConversationCreate, title, protocol.JoinList(memberIDs))
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{
		ID:      resp.Field(0),
		Title:   resp.Field(1),
		IsGroup: protocol.ParseBool(resp.Field(2)),
	}, nil
}

// DeleteConversation hides a conversation for the caller only.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := c.Request(ctx, protocol.CmdConversationDelete, conversationID)
	return err
}

func (c *Client) RestoreConversation(ctx context.Context, conversationID string) error {
	_, err := c.Request(ctx, protocol.CmdConversationRestore, conversationID)
	return err
}

func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	resp, err := c.Request(ctx, protocol.CmdUserSearch, query, strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	return ParseUsers(resp.Field(1)), nil
}

func (c *Client) UserStatus(ctx context.Context, userID string) (Status, error) {
	resp, err := c.Request(ctx, protocol.CmdUserStatus, userID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		UserID:   resp.Field(0),
		Online:   protocol.ParseBool(resp.Field(1)),
		Status:   resp.Field(2),
		LastSeen: parseTime(resp.Field(3)),
	}, nil
}

// AddContact adds a user by id, username or email.
func (c *Client) AddContact(ctx context.Context, ref string) (Contact, error) {
	resp, err := c.Request(ctx, protocol.CmdContactAdd, ref)
	if err != nil {
		return Contact{}, err
	}
	return Contact{ID: resp.Field(0), Username: resp.Field(1)}, nil
}

func (c *Client) RemoveContact(ctx context.Context, ref string) error {
	_, err := c.Request(ctx, protocol.CmdContactRemove, ref)
	return err
}

func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	resp, err := c.Request(ctx, protocol.CmdContactList)
	if err != nil {
		return nil, err
	}
	return ParseContacts(resp.Field(1)), nil
}

// Typing is fire-and-forget. The server answers only on failure.
func (c *Client) Typing(conversationID string, typing bool) error {
	return c.Send(protocol.CmdTyping, conversationID, protocol.FormatBool(typing))
}

// OnMessage registers the MESSAGE_RECEIVE handler.
func (c *Client) OnMessage(fn func(Message)) {
	c.Handle(protocol.CmdMessageReceive, func(m protocol.Message) {
		fn(ParseIncoming(m))
	})
}

// OnStatusChanged registers the USER_STATUS_CHANGED handler.
func (c *Client) OnStatusChanged(fn func(Status)) {
	c.Handle(protocol.CmdUserStatusChanged, func(m protocol.Message) {
		fn(Status{
			UserID:   m.Field(0),
			Online:   m.Bool(1),
			Status:   m.Field(2),
			LastSeen: parseTime(m.Field(3)),
		})
	})
}

func (c *Client) OnConversationRestored(fn func(Restored)) {
	c.Handle(protocol.CmdConversationRestored, func(m protocol.Message) {
		fn(Restored{ConversationID: m.Field(0), Title: m.Field(1), RestoredBy: m.Field(2)})
	})
}

func (c *Client) OnTyping(fn func(Typing)) {
	c.Handle(protocol.CmdTypingStatus, func(m protocol.Message) {
		fn(Typing{ConversationID: m.Field(0), UserID: m.Field(1), Typing: m.Bool(2)})
	})
}

// ParseIncoming decodes a MESSAGE_RECEIVE push.
// Format: id, conversation, sender, content, type, mediaUrl, senderName,
// senderAvatar, fileName, fileSize, replyTo, createdAt
func ParseIncoming(m protocol.Message) Message {
	size, _ := strconv.ParseInt(m.Field(9), 10, 64)
	return Message{
		ID:             m.Field(0),
		ConversationID: m.Field(1),
		SenderID:       m.Field(2),
		Content:        m.Field(3),
		Type:           m.Field(4),
		MediaURL:       m.Field(5),
		SenderName:     m.Field(6),
		SenderAvatar:   m.Field(7),
		FileName:       m.Field(8),
		FileSize:       size,
		ReplyToID:      m.Field(10),
		CreatedAt:      parseTime(m.Field(11)),
	}
}

// ParseHistory parses a history list.
// Item format: id, sender, senderName, content, type, mediaUrl, fileName,
// fileSize, replyTo, createdAt
func ParseHistory(conversationID, content string) []Message {
	var messages []Message
	for _, item := range protocol.SplitList(content) {
		cols := protocol.SplitColumns(item)
		if len(cols) < 10 {
			continue
		}
		size, _ := strconv.ParseInt(cols[7], 10, 64)
		messages = append(messages, Message{
			ID:             cols[0],
			ConversationID: conversationID,
			SenderID:       cols[1],
			SenderName:     cols[2],
			Content:        cols[3],
			Type:           cols[4],
			MediaURL:       cols[5],
			FileName:       cols[6],
			FileSize:       size,
			ReplyToID:      cols[8],
			CreatedAt:      parseTime(cols[9]),
		})
	}
	return messages
}

// ParseConversations parses a conversation list.
// Item format: id, title, isGroup, lastMessage, updatedAt
func ParseConversations(content string) []Conversation {
	var conversations []Conversation
	for _, item := range protocol.SplitList(content) {
		cols := protocol.SplitColumns(item)
		if len(cols) < 5 {
			continue
		}
		conversations = append(conversations, Conversation{
			ID:          cols[0],
			Title:       cols[1],
			IsGroup:     protocol.ParseBool(cols[2]),
			LastMessage: cols[3],
			UpdatedAt:   parseTime(cols[4]),
		})
	}
	return conversations
}

// ParseUsers parses a search result list.
// Item format: id, username, displayName, avatar, online, status
func ParseUsers(content string) []User {
	var users []User
	for _, item := range protocol.SplitList(content) {
		cols := protocol.SplitColumns(item)
		if len(cols) < 6 {
			continue
		}
		users = append(users, User{
			ID:          cols[0],
			Username:    cols[1],
			DisplayName: cols[2],
			Avatar:      cols[3],
			Online:      protocol.ParseBool(cols[4]),
			Status:      cols[5],
		})
	}
	return users
}

// ParseContacts parses a contact list.
// Item format: id, username, displayName, online
func ParseContacts(content string) []Contact {
	var contacts []Contact
	for _, item := range protocol.SplitList(content) {
		cols := protocol.SplitColumns(item)
		if len(cols) < 4 {
			continue
		}
		contacts = append(contacts, Contact{
			ID:          cols[0],
			Username:    cols[1],
			DisplayName: cols[2],
			Online:      protocol.ParseBool(cols[3]),
		})
	}
	return contacts
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
