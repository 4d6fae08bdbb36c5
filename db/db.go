package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"chatwire/models"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows             = errors.New("no rows found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrContactExists      = errors.New("contact already exists")
)

// fixed width so timestamps sort as text
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			status_text TEXT NOT NULL DEFAULT 'offline',
			last_seen TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			is_group INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			hidden INTEGER NOT NULL DEFAULT 0,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			media_url TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			reply_to_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			owner_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(owner_id, contact_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema
func (db *DB) migrate() error {
	columns := []struct{ table, column, ddl string }{
		{"users", "display_name", "ALTER TABLE users ADD COLUMN display_name TEXT NOT NULL DEFAULT ''"},
		{"users", "avatar", "ALTER TABLE users ADD COLUMN avatar TEXT NOT NULL DEFAULT ''"},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		if _, err := db.conn.Exec(c.ddl); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// User methods

const userColumns = "id, username, email, phone, password, display_name, avatar, online, status_text, last_seen"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var online int
	var lastSeen string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash,
		&u.DisplayName, &u.Avatar, &online, &u.StatusText, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.Online = online != 0
	u.LastSeen = parseTime(lastSeen)
	return &u, nil
}

// CreateUser stores a new user. digest is the client-side password digest;
// only its bcrypt hash is kept.
func (db *DB) CreateUser(username, email, phone, digest string) (*models.User, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM users WHERE username = ? OR email = ?",
		username, strings.ToLower(email),
	).Scan(&count)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(digest), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(email),
		Phone:        phone,
		PasswordHash: string(hashed),
		StatusText:   "offline",
		LastSeen:     time.Now().UTC(),
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (id, username, email, phone, password, last_seen) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.Phone, u.PasswordHash, formatTime(u.LastSeen),
	)
	if isUniqueViolation(err) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate checks a username-or-email and digest pair.
func (db *DB) Authenticate(login, digest string) (*models.User, error) {
	u, err := db.FindUser(login)
	if err == ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(digest)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (db *DB) GetUser(id string) (*models.User, error) {
	row := db.conn.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// FindUser looks a user up by username or email.
func (db *DB) FindUser(login string) (*models.User, error) {
	row := db.conn.QueryRow(
		"SELECT "+userColumns+" FROM users WHERE username = ? OR email = ?",
		login, strings.ToLower(login),
	)
	return scanUser(row)
}

func (db *DB) SearchUsers(query, excludeID string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := db.conn.Query(
		"SELECT "+userColumns+" FROM users WHERE id != ? AND (lower(username) LIKE ? OR email LIKE ? OR lower(display_name) LIKE ?) ORDER BY username LIMIT ?",
		excludeID, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetPresence records the online flag, status label and last-seen time.
func (db *DB) SetPresence(userID string, online bool, statusText string, at time.Time) error {
	flag := 0
	if online {
		flag = 1
	}
	result, err := db.conn.Exec(
		"UPDATE users SET online = ?, status_text = ?, last_seen = ? WHERE id = ?",
		flag, statusText, formatTime(at), userID,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// UpdateProfile sets the display name and avatar shown instead of the username.
func (db *DB) UpdateProfile(userID, displayName, avatar string) error {
	result, err := db.conn.Exec(
		"UPDATE users SET display_name = ?, avatar = ? WHERE id = ?",
		displayName, avatar, userID,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Conversation methods

const conversationColumns = "c.id, c.title, c.is_group, c.created_by, c.created_at, c.updated_at, c.last_message"

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var isGroup int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Title, &isGroup, &c.CreatedBy, &createdAt, &updatedAt, &c.LastMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	c.IsGroup = isGroup != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// CreateConversation creates a conversation whose participants are the
// creator plus memberIDs.
func (db *DB) CreateConversation(createdBy, title string, memberIDs []string) (*models.Conversation, error) {
	members := []string{createdBy}
	seen := map[string]bool{createdBy: true}
	for _, id := range memberIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	now := time.Now().UTC()
	c := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		IsGroup:   len(members) > 2,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	isGroup := 0
	if c.IsGroup {
		isGroup = 1
	}
	_, err = tx.Exec(
		"INSERT INTO conversations (id, title, is_group, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.ID, c.Title, isGroup, c.CreatedBy, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, err
	}

	for _, id := range members {
		if _, err := tx.Exec(
			"INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)",
			c.ID, id, formatTime(now),
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) GetConversation(id string) (*models.Conversation, error) {
	row := db.conn.QueryRow("SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", id)
	return scanConversation(row)
}

// ListConversations returns the visible conversations of userID, most recent first.
func (db *DB) ListConversations(userID string) ([]models.Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT "+conversationColumns+` FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ? AND p.hidden = 0
		ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}

func (db *DB) Participants(conversationID string) ([]string, error) {
	rows, err := db.conn.Query("SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY joined_at", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) IsParticipant(conversationID, userID string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetConversationHidden hides (deletes for one user) or restores a conversation.
func (db *DB) SetConversationHidden(conversationID, userID string, hidden bool) error {
	flag := 0
	if hidden {
		flag = 1
	}
	result, err := db.conn.Exec(
		"UPDATE participants SET hidden = ? WHERE conversation_id = ? AND user_id = ?",
		flag, conversationID, userID,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Message methods

// SaveMessage assigns an ID and creation time to m and stores it.
func (db *DB) SaveMessage(m *models.Message) error {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	if m.Type == "" {
		m.Type = "text"
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO messages (id, conversation_id, sender_id, content, type, media_url, file_name, file_size, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.MediaURL, m.FileName, m.FileSize, m.ReplyToID, formatTime(m.CreatedAt),
	)
	if err != nil {
		return err
	}

	preview := m.Content
	if m.Type != "text" && m.FileName != "" {
		preview = m.FileName
	}
	if _, err := tx.Exec(
		"UPDATE conversations SET updated_at = ?, last_message = ? WHERE id = ?",
		formatTime(m.CreatedAt), preview, m.ConversationID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// GetMessages returns up to limit messages of a conversation in ascending
// order. With beforeID set, only messages older than that one are returned.
func (db *DB) GetMessages(conversationID string, limit int, beforeID string) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.media_url, m.file_name, m.file_size, m.reply_to_id, m.created_at,
			COALESCE(NULLIF(u.display_name, ''), u.username, ''), COALESCE(u.avatar, '')
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if beforeID != "" {
		query += " AND m.created_at < (SELECT created_at FROM messages WHERE id = ?)"
		args = append(args, beforeID)
	}
	query += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.MediaURL,
			&m.FileName, &m.FileSize, &m.ReplyToID, &createdAt, &m.SenderName, &m.SenderAvatar); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the query, callers want chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Contact methods

func (db *DB) AddContact(ownerID, contactID string) error {
	_, err := db.conn.Exec(
		"INSERT INTO contacts (owner_id, contact_id, created_at) VALUES (?, ?, ?)",
		ownerID, contactID, formatTime(time.Now()),
	)
	if isUniqueViolation(err) {
		return ErrContactExists
	}
	return err
}

func (db *DB) RemoveContact(ownerID, contactID string) error {
	result, err := db.conn.Exec("DELETE FROM contacts WHERE owner_id = ? AND contact_id = ?", ownerID, contactID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (db *DB) ListContacts(ownerID string) ([]models.Contact, error) {
	rows, err := db.conn.Query(`
		SELECT c.owner_id, c.contact_id, u.username, u.display_name
		FROM contacts c JOIN users u ON u.id = c.contact_id
		WHERE c.owner_id = ?
		ORDER BY u.username`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.OwnerID, &c.ContactID, &c.Username, &c.DisplayName); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}
