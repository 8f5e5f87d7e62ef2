package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/proto"
)

// Append persists a message at the tail of the session's history and assigns
// its sequence number. The message's Meta.Seq is updated in place.
func (s *Store) Append(sessionID string, msg *proto.Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to append invalid message: %w", err)
	}

	parts, meta, err := marshalMessage(msg)
	if err != nil {
		return 0, err
	}

	synthetic := 0
	if msg.Meta.Synthetic {
		synthetic = 1
	}

	createdAt := msg.Meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := s.db.Exec(
		`INSERT INTO messages (session_id, msg_id, role, parts, meta, synthetic, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, msg.ID, string(msg.Role), parts, meta, synthetic, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append message %s: %w", msg.ID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned sequence: %w", err)
	}

	msg.Meta.Seq = seq
	// Meta is persisted again with the assigned sequence so a raw row read
	// round-trips without consulting the seq column.
	if err := s.updateMeta(msg); err != nil {
		return 0, err
	}

	s.logger.Debug("appended %s message %s at seq %d (session %s)", msg.Role, msg.ID, seq, sessionID)
	return seq, nil
}

// UpdateMeta rewrites a persisted message's metadata blob. Used to attach
// usage or terminal error info after streaming; byte content of parts is
// never modified through this path.
func (s *Store) UpdateMeta(sessionID string, msg *proto.Message) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msg.ID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up message %s: %w", msg.ID, err)
	}
	return s.updateMeta(msg)
}

func (s *Store) updateMeta(msg *proto.Message) error {
	meta, err := json.Marshal(msg.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", msg.ID, err)
	}
	if _, err := s.db.Exec(`UPDATE messages SET meta = ? WHERE msg_id = ?`, string(meta), msg.ID); err != nil {
		return fmt.Errorf("failed to update metadata for %s: %w", msg.ID, err)
	}
	return nil
}

// ReadAll returns the session's full history in sequence order.
func (s *Store) ReadAll(sessionID string) ([]*proto.Message, error) {
	return s.queryMessages(
		`SELECT msg_id, role, parts, meta FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
}

// ReadLastN returns the most recent n messages in sequence order.
func (s *Store) ReadLastN(sessionID string, n int) ([]*proto.Message, error) {
	msgs, err := s.queryMessages(
		`SELECT msg_id, role, parts, meta FROM messages WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ReadFromLatestBoundary returns history from the most recent compaction
// summary message (inclusive) onward, or the full history when no compaction
// has occurred. This is the window the model context is rebuilt from.
func (s *Store) ReadFromLatestBoundary(sessionID string) ([]*proto.Message, error) {
	var boundarySeq sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(seq) FROM messages
		 WHERE session_id = ? AND role = ? AND json_extract(meta, '$.compaction_id') IS NOT NULL`,
		sessionID, string(proto.RoleAssistant),
	).Scan(&boundarySeq)
	if err != nil {
		return nil, fmt.Errorf("failed to locate compaction boundary: %w", err)
	}

	if !boundarySeq.Valid {
		return s.ReadAll(sessionID)
	}
	return s.queryMessages(
		`SELECT msg_id, role, parts, meta FROM messages WHERE session_id = ? AND seq >= ? ORDER BY seq ASC`,
		sessionID, boundarySeq.Int64,
	)
}

// GetByID returns a single message by its stable ID.
func (s *Store) GetByID(sessionID, msgID string) (*proto.Message, error) {
	msgs, err := s.queryMessages(
		`SELECT msg_id, role, parts, meta FROM messages WHERE session_id = ? AND msg_id = ?`,
		sessionID, msgID,
	)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// LastMessage returns the most recent message, or ErrNotFound on empty history.
func (s *Store) LastMessage(sessionID string) (*proto.Message, error) {
	msgs, err := s.ReadLastN(sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// TruncateFrom removes the named message and everything after it.
// Returns ErrNotFound when the message is no longer in history; callers that
// tolerate already-cleaned-up targets treat that as a no-op.
func (s *Store) TruncateFrom(sessionID, msgID string) error {
	seq, err := s.seqOf(sessionID, msgID)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE session_id = ? AND seq >= ?`, sessionID, seq,
	); err != nil {
		return fmt.Errorf("failed to truncate from %s: %w", msgID, err)
	}
	s.logger.Debug("truncated session %s from seq %d", sessionID, seq)
	return nil
}

// TruncateAfter removes everything after the named message, keeping it.
func (s *Store) TruncateAfter(sessionID, msgID string) error {
	seq, err := s.seqOf(sessionID, msgID)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE session_id = ? AND seq > ?`, sessionID, seq,
	); err != nil {
		return fmt.Errorf("failed to truncate after %s: %w", msgID, err)
	}
	return nil
}

// Delete removes a single message by ID.
func (s *Store) Delete(sessionID, msgID string) error {
	result, err := s.db.Exec(
		`DELETE FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msgID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes the session's entire history and returns the deleted
// sequence numbers for client-side reconciliation.
func (s *Store) Clear(sessionID string) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT seq FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate messages for clear: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequences: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	s.logger.Info("cleared %d messages for session %s", len(seqs), sessionID)
	return seqs, nil
}

// WritePartial persists (or replaces) the session's in-flight assistant
// message. At most one partial exists per session.
func (s *Store) WritePartial(sessionID string, msg *proto.Message) error {
	parts, meta, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO partials (session_id, msg_id, role, parts, meta, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			msg_id = excluded.msg_id,
			role = excluded.role,
			parts = excluded.parts,
			meta = excluded.meta,
			updated_at = excluded.updated_at`,
		sessionID, msg.ID, string(msg.Role), parts, meta, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write partial for session %s: %w", sessionID, err)
	}
	return nil
}

// ReadPartial returns the session's in-flight assistant message, or
// ErrNotFound when none exists.
func (s *Store) ReadPartial(sessionID string) (*proto.Message, error) {
	var msgID, role, parts, meta string
	err := s.db.QueryRow(
		`SELECT msg_id, role, parts, meta FROM partials WHERE session_id = ?`, sessionID,
	).Scan(&msgID, &role, &parts, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read partial for session %s: %w", sessionID, err)
	}
	return unmarshalMessage(msgID, role, parts, meta)
}

// CommitPartial finalizes the partial into the message log and removes it.
// Returns the committed message with its assigned sequence number.
func (s *Store) CommitPartial(sessionID string) (*proto.Message, error) {
	msg, err := s.ReadPartial(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Append(sessionID, msg); err != nil {
		return nil, fmt.Errorf("failed to commit partial: %w", err)
	}
	if err := s.DeletePartial(sessionID); err != nil {
		return nil, err
	}
	return msg, nil
}

// DeletePartial discards the session's in-flight assistant message if any.
// Deleting a non-existent partial is not an error.
func (s *Store) DeletePartial(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM partials WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete partial for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) seqOf(sessionID, msgID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		`SELECT seq FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve sequence of %s: %w", msgID, err)
	}
	return seq, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]*proto.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*proto.Message
	for rows.Next() {
		var msgID, role, parts, meta string
		if err := rows.Scan(&msgID, &role, &parts, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg, err := unmarshalMessage(msgID, role, parts, meta)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

func marshalMessage(msg *proto.Message) (parts, meta string, err error) {
	partsData, err := json.Marshal(msg.Parts)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal parts for %s: %w", msg.ID, err)
	}
	metaData, err := json.Marshal(msg.Meta)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal metadata for %s: %w", msg.ID, err)
	}
	return string(partsData), string(metaData), nil
}

func unmarshalMessage(msgID, role, parts, meta string) (*proto.Message, error) {
	msg := &proto.Message{ID: msgID, Role: proto.Role(role)}
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message parts: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &msg.Meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
	}
	return msg, nil
}
