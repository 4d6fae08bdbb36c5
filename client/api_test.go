package client

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatwire/config"
	"chatwire/db"
	"chatwire/protocol"
	"chatwire/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *config.ClientConfig {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)

	srv := server.New(database, &config.Config{
		ReadTimeout:    30,
		WriteTimeout:   5,
		MaxConnections: 16,
		MediaHost:      "127.0.0.1",
		MediaPortStart: 47400,
		MediaPortEnd:   47409,
		RingTimeout:    45,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	t.Cleanup(func() {
		srv.Shutdown("test finished")
		database.Close()
	})

	return &config.ClientConfig{
		Host:              "127.0.0.1",
		Port:              ln.Addr().(*net.TCPAddr).Port,
		DialTimeout:       time.Second,
		RequestTimeout:    3 * time.Second,
		ReconnectAttempts: 1,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

func newConnectedClient(t *testing.T, cfg *config.ClientConfig) *Client {
	t.Helper()
	c := New(cfg, Events{})
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestPasswordDigest(t *testing.T) {
	assert.Equal(t, "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8", PasswordDigest("password"))
}

func TestClientChatFlow(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice := newConnectedClient(t, cfg)
	bob := newConnectedClient(t, cfg)

	_, _, err := alice.SendMessage(ctx, "c", "hi")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	aliceID, err := alice.Register(ctx, "alice", "alice@example.com", "secret", "")
	require.NoError(t, err)
	bobID, err := bob.Register(ctx, "bob", "bob@example.com", "hunter2", "555-0100")
	require.NoError(t, err)

	_, err = alice.Register(ctx, "alice", "other@example.com", "secret", "")
	assert.True(t, protocol.IsCode(err, protocol.CodeConflict))

	_, err = alice.Login(ctx, "alice", "wrong")
	assert.True(t, protocol.IsCode(err, protocol.CodeUnauthorized))

	account, err := alice.Login(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, aliceID, account.UserID)
	assert.Equal(t, "alice", account.Username)

	statuses := make(chan Status, 4)
	alice.OnStatusChanged(func(s Status) { statuses <- s })

	_, err = bob.Login(ctx, "bob", "hunter2")
	require.NoError(t, err)

	status := receive(t, statuses)
	assert.Equal(t, bobID, status.UserID)
	assert.True(t, status.Online)

	conv, err := alice.CreateConversation(ctx, "", []string{bobID})
	require.NoError(t, err)
	assert.False(t, conv.IsGroup)

	bobInbox := make(chan Message, 4)
	bob.OnMessage(func(m Message) { bobInbox <- m })
	aliceEcho := make(chan Message, 4)
	alice.OnMessage(func(m Message) { aliceEcho <- m })

	id, createdAt, err := alice.SendMessage(ctx, conv.ID, "hello bob")
	require.NoError(t, err)
	assert.False(t, createdAt.IsZero())

	got := receive(t, bobInbox)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, conv.ID, got.ConversationID)
	assert.Equal(t, aliceID, got.SenderID)
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, "alice", got.SenderName)
	assert.Equal(t, id, receive(t, aliceEcho).ID)

	history, err := bob.History(ctx, conv.ID, 50, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello bob", history[0].Content)
	assert.Equal(t, aliceID, history[0].SenderID)

	conversations, err := bob.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, "alice", conversations[0].Title)
	assert.Equal(t, "hello bob", conversations[0].LastMessage)

	typing := make(chan Typing, 1)
	bob.OnTyping(func(e Typing) { typing <- e })
	require.NoError(t, alice.Typing(conv.ID, true))
	assert.Equal(t, Typing{ConversationID: conv.ID, UserID: aliceID, Typing: true}, receive(t, typing))
}

func TestClientContactsAndSearch(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice := newConnectedClient(t, cfg)
	_, err := alice.Register(ctx, "alice", "alice@example.com", "secret", "")
	require.NoError(t, err)
	carolID, err := alice.Register(ctx, "carol", "carol@example.com", "secret", "")
	require.NoError(t, err)
	_, err = alice.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	users, err := alice.SearchUsers(ctx, "car", 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, carolID, users[0].ID)
	assert.False(t, users[0].Online)

	contact, err := alice.AddContact(ctx, "carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, carolID, contact.ID)

	contacts, err := alice.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "carol", contacts[0].Username)

	status, err := alice.UserStatus(ctx, carolID)
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.Equal(t, "offline", status.Status)

	require.NoError(t, alice.RemoveContact(ctx, carolID))
	err = alice.RemoveContact(ctx, carolID)
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))

	require.NoError(t, alice.Logout(ctx))
	assert.Nil(t, alice.Account())
	assert.True(t, alice.IsConnected())

	_, err = alice.Contacts(ctx)
	assert.True(t, protocol.IsCode(err, protocol.CodeUnauthorized))
}

func TestFailedNotificationsLeaveRequestsAlone(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice := newConnectedClient(t, cfg)
	_, err := alice.Register(ctx, "alice", "alice@example.com", "secret", "")
	require.NoError(t, err)
	account, err := alice.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, alice.Typing("no-such-conversation", true))
		require.NoError(t, alice.Send(protocol.CmdCallEnd, "no-such-call", account.UserID))

		list, err := alice.Conversations(ctx)
		require.NoError(t, err, "iteration %d", i)
		assert.Empty(t, list)
	}
	assert.Equal(t, 0, alice.Pending())
}

func TestClientUpdateProfile(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice := newConnectedClient(t, cfg)
	_, err := alice.UpdateProfile(ctx, "Alice", "")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = alice.Register(ctx, "alice", "alice@example.com", "secret", "")
	require.NoError(t, err)
	_, err = alice.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	account, err := alice.UpdateProfile(ctx, "Alice Liddell", "avatars/alice.png")
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", account.DisplayName)
	assert.Equal(t, "avatars/alice.png", account.Avatar)
	assert.Equal(t, "Alice Liddell", alice.Account().DisplayName)

	account, err = alice.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", account.DisplayName)
	assert.Equal(t, "avatars/alice.png", account.Avatar)
}

func TestClientConversationRestore(t *testing.T) {
	cfg := startServer(t)
	ctx := context.Background()

	alice := newConnectedClient(t, cfg)
	bob := newConnectedClient(t, cfg)
	_, err := alice.Register(ctx, "alice", "alice@example.com", "secret", "")
	require.NoError(t, err)
	bobID, err := bob.Register(ctx, "bob", "bob@example.com", "secret", "")
	require.NoError(t, err)
	_, err = alice.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	_, err = bob.Login(ctx, "bob", "secret")
	require.NoError(t, err)

	conv, err := alice.CreateConversation(ctx, "plans", []string{bobID})
	require.NoError(t, err)

	require.NoError(t, alice.DeleteConversation(ctx, conv.ID))
	list, err := alice.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	restored := make(chan Restored, 1)
	bob.OnConversationRestored(func(r Restored) { restored <- r })
	require.NoError(t, alice.RestoreConversation(ctx, conv.ID))

	r := receive(t, restored)
	assert.Equal(t, conv.ID, r.ConversationID)
	assert.Equal(t, "plans", r.Title)
	assert.Equal(t, alice.Account().UserID, r.RestoredBy)
}
