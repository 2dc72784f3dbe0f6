// ABOUTME: Conversation, message, and persistent memory operations
// ABOUTME: Tier-routed content: plaintext columns or sealed ciphertext+nonce

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sealedContent is a text field routed by tier: exactly one of plain or
// (ct, nonce) is set.
type sealedContent struct {
	plain sql.NullString
	ct    []byte
	nonce []byte
	keyID sql.NullInt64
}

// seal routes plaintext into the tier-appropriate representation. In strict
// tier the plaintext column stays NULL so the guard triggers accept the row.
func (s *Store) seal(plaintext string) (sealedContent, error) {
	if s.tier != TierStrict {
		return sealedContent{plain: sql.NullString{String: plaintext, Valid: true}}, nil
	}
	ct, nonce, err := s.codec.Encrypt(plaintext)
	if err != nil {
		return sealedContent{}, fmt.Errorf("sealing content: %w", err)
	}
	return sealedContent{ct: ct, nonce: nonce, keyID: sql.NullInt64{Int64: 1, Valid: true}}, nil
}

// open recovers plaintext from a stored row. A plaintext column wins when
// present (rows written before a move to strict), otherwise the sealed pair
// is decrypted. Decryption failures surface as errors, never as empty text.
func (s *Store) open(c sealedContent) (string, error) {
	if c.plain.Valid {
		return c.plain.String, nil
	}
	if c.ct == nil {
		return "", nil
	}
	if s.codec == nil {
		return "", fmt.Errorf("sealed content in %s tier: %w", s.tier, ErrIntegrity)
	}
	return s.codec.Decrypt(c.ct, c.nonce)
}

// CreateConversation starts a new saved conversation for a user.
func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_conversations (user_id, title, created) VALUES (?, ?, ?)`,
		userID, title, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("creating conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading conversation id: %w", err)
	}
	s.logger.Debug("created conversation", "conversation_id", id, "user_id", userID)
	return id, nil
}

// RenameConversation updates a conversation title.
func (s *Store) RenameConversation(ctx context.Context, conversationID int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE saved_conversations SET title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return fmt.Errorf("renaming conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and, via cascade, its messages.
func (s *Store) DeleteConversation(ctx context.Context, conversationID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM saved_conversations WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted conversation", "conversation_id", conversationID)
	return nil
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created FROM saved_conversations
		 WHERE user_id = ? ORDER BY created DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var (
			title   sql.NullString
			created sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &title, &created); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		c.Title = title.String
		if created.Valid {
			c.CreatedAt = time.Unix(created.Int64, 0)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// AddMessage appends a message to a conversation. Content is routed by tier;
// metadata is stored as JSON.
func (s *Store) AddMessage(ctx context.Context, conversationID int64, sender SenderType, senderID *int64, content string, metadata map[string]any) (int64, error) {
	sealed, err := s.seal(content)
	if err != nil {
		return 0, err
	}

	var meta any
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encoding message metadata: %w", err)
		}
		meta = string(encoded)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_type, sender_id, content, content_ct, content_nonce, content_key_id, metadata, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, string(sender), senderID,
		sealed.plain, sealed.ct, sealed.nonce, sealed.keyID, meta, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("adding message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading message id: %w", err)
	}
	return id, nil
}

// ListMessages returns a conversation's first messages in insertion order,
// decrypting sealed content as needed. A limit of 0 means all.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	query := `SELECT id, conversation_id, sender_type, sender_id, content, content_ct, content_nonce, content_key_id, metadata, created
	          FROM messages WHERE conversation_id = ? ORDER BY id`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		var (
			sender   sql.NullString
			senderID sql.NullInt64
			content  sealedContent
			meta     sql.NullString
			created  sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &senderID,
			&content.plain, &content.ct, &content.nonce, &content.keyID,
			&meta, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Sender = SenderType(sender.String)
		if senderID.Valid {
			m.SenderID = &senderID.Int64
		}
		text, err := s.open(content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		m.Content = text
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message %d metadata: %w", m.ID, err)
			}
		}
		if created.Valid {
			m.CreatedAt = time.Unix(created.Int64, 0)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddMemory stores a persistent memory entry. Content is routed by tier the
// same way message content is.
func (s *Store) AddMemory(ctx context.Context, scope MemoryScope, userID, conversationID *int64, subject, content string, importance int) (int64, error) {
	sealed, err := s.seal(content)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO persistent_memory (scope, user_id, conversation_id, subject, content, content_ct, content_nonce, content_key_id, importance, reinforced_at, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(scope), userID, conversationID, subject,
		sealed.plain, sealed.ct, sealed.nonce, sealed.keyID, importance, now, now)
	if err != nil {
		return 0, fmt.Errorf("adding memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading memory id: %w", err)
	}
	return id, nil
}

// ListMemory returns entries visible at a scope. A user scope includes that
// user's entries; a conversation scope includes that conversation's entries;
// global entries are always included.
func (s *Store) ListMemory(ctx context.Context, scope MemoryScope, ownerID int64) ([]*MemoryEntry, error) {
	var (
		query string
		args  []any
	)
	switch scope {
	case ScopeUser:
		query = `WHERE (scope = 'user' AND user_id = ?) OR scope = 'global'`
		args = append(args, ownerID)
	case ScopeConversation:
		query = `WHERE (scope = 'conversation' AND conversation_id = ?) OR scope = 'global'`
		args = append(args, ownerID)
	case ScopeGlobal:
		query = `WHERE scope = 'global'`
	default:
		return nil, fmt.Errorf("unknown memory scope %q", scope)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, user_id, conversation_id, subject, content, content_ct, content_nonce, content_key_id, importance, created
		 FROM persistent_memory `+query+` ORDER BY importance DESC, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing memory: %w", err)
	}
	defer rows.Close()

	var entries []*MemoryEntry
	for rows.Next() {
		e := &MemoryEntry{}
		var (
			entryScope sql.NullString
			userID     sql.NullInt64
			convID     sql.NullInt64
			subject    sql.NullString
			content    sealedContent
			importance sql.NullInt64
			created    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &entryScope, &userID, &convID, &subject,
			&content.plain, &content.ct, &content.nonce, &content.keyID,
			&importance, &created); err != nil {
			return nil, fmt.Errorf("scanning memory entry: %w", err)
		}
		e.Scope = MemoryScope(entryScope.String)
		if userID.Valid {
			e.UserID = &userID.Int64
		}
		if convID.Valid {
			e.ConversationID = &convID.Int64
		}
		e.Subject = subject.String
		text, err := s.open(content)
		if err != nil {
			return nil, fmt.Errorf("memory entry %d: %w", e.ID, err)
		}
		e.Content = text
		e.Importance = int(importance.Int64)
		if created.Valid {
			e.CreatedAt = time.Unix(created.Int64, 0)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReinforceMemory bumps an entry's importance and refreshes its
// reinforcement timestamp.
func (s *Store) ReinforceMemory(ctx context.Context, memoryID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE persistent_memory SET importance = importance + 1, reinforced_at = ? WHERE id = ?`,
		time.Now().Unix(), memoryID)
	if err != nil {
		return fmt.Errorf("reinforcing memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForgetMemory deletes an entry.
func (s *Store) ForgetMemory(ctx context.Context, memoryID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM persistent_memory WHERE id = ?`, memoryID)
	if err != nil {
		return fmt.Errorf("forgetting memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
