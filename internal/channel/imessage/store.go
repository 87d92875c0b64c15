package imessage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// openReadOnly opens the local message store without ever risking a write
// to the host's live database — the agent is a guest in someone else's
// data file.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&immutable=0", path))
	if err != nil {
		return nil, fmt.Errorf("imessage: open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("imessage: store unreachable (check filesystem access grant): %w", err)
	}
	return db, nil
}

// maxRowID is the initial watermark — startup never replays history
// (Testable Property 2).
func maxRowID(db *sql.DB) (int64, error) {
	var id sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(ROWID) FROM message`).Scan(&id); err != nil {
		return 0, fmt.Errorf("imessage: read max rowid: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

type rawRow struct {
	RowID          int64
	GUID           string
	Text           sql.NullString
	IsFromMe       bool
	HasAttachments bool
	HandleID       sql.NullString
	ChatGUID       sql.NullString
	ChatDisplay    sql.NullString
	IsGroupChat    bool
	DateNanos      int64
}

// pollSince selects rows with rowid > watermark, joined to sender and chat
// tables, filtered to "not from me" and non-reaction types, limited to 100
// rows per poll (§4.6).
func pollSince(db *sql.DB, watermark int64) ([]rawRow, error) {
	const q = `
SELECT
  m.ROWID,
  m.guid,
  m.text,
  m.is_from_me,
  m.cache_has_attachments,
  h.id AS handle_id,
  c.guid AS chat_guid,
  c.display_name AS chat_display,
  (SELECT COUNT(*) FROM chat_handle_join chj WHERE chj.chat_id = c.ROWID) > 1 AS is_group,
  m.date
FROM message m
LEFT JOIN handle h ON h.ROWID = m.handle_id
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
LEFT JOIN chat c ON c.ROWID = cmj.chat_id
WHERE m.ROWID > ?
  AND m.is_from_me = 0
  AND (m.associated_message_type IS NULL OR m.associated_message_type = 0)
ORDER BY m.ROWID ASC
LIMIT 100`

	rows, err := db.Query(q, watermark)
	if err != nil {
		return nil, fmt.Errorf("imessage: poll: %w", err)
	}
	defer rows.Close()

	var out []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.RowID, &r.GUID, &r.Text, &r.IsFromMe, &r.HasAttachments,
			&r.HandleID, &r.ChatGUID, &r.ChatDisplay, &r.IsGroupChat, &r.DateNanos); err != nil {
			return nil, fmt.Errorf("imessage: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type attachmentRow struct {
	Filename sql.NullString
	MimeType sql.NullString
	Size     sql.NullInt64
}

func attachmentsFor(db *sql.DB, messageRowID int64) ([]attachmentRow, error) {
	const q = `
SELECT a.filename, a.mime_type, a.total_bytes
FROM attachment a
JOIN message_attachment_join maj ON maj.attachment_id = a.ROWID
WHERE maj.message_id = ?`

	rows, err := db.Query(q, messageRowID)
	if err != nil {
		return nil, fmt.Errorf("imessage: fetch attachments: %w", err)
	}
	defer rows.Close()

	var out []attachmentRow
	for rows.Next() {
		var a attachmentRow
		if err := rows.Scan(&a.Filename, &a.MimeType, &a.Size); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
