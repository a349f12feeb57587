package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outboxkit/pgoutbox/message"
)

// pgoutput message type bytes this decoder understands. Anything else inside
// an XLogData frame is silently skipped: pgoutput emits Begin/Commit/Type
// messages too, none of which carry row data we need (spec.md §4.4 "Only
// insert events ... are relevant").
const (
	pgoutputRelation = 'R'
	pgoutputInsert   = 'I'
	pgoutputBegin    = 'B'
	pgoutputCommit   = 'C'
)

// relation is the column layout pgoutput announces before any row that uses
// it. The protocol only sends a Relation message the first time (or after a
// schema change), so the decoder must remember it by relation ID.
type relation struct {
	namespace string
	name      string
	columns   []string
}

// relationCache tracks every Relation message seen on this connection.
type relationCache struct {
	byID map[uint32]relation
}

func newRelationCache() *relationCache {
	return &relationCache{byID: make(map[uint32]relation)}
}

// decodeRelation parses a pgoutput 'R' message: relationID(int32),
// namespace(cstring), name(cstring), replica identity(byte),
// numColumns(int16), then per column: flags(byte), name(cstring),
// typeOID(int32), typeMod(int32).
func (c *relationCache) decodeRelation(payload []byte) error {
	if len(payload) < 1 || payload[0] != pgoutputRelation {
		return fmt.Errorf("replication: not a Relation message")
	}
	p := payload[1:]

	relID, p, err := readUint32(p)
	if err != nil {
		return err
	}
	ns, p, err := readCString(p)
	if err != nil {
		return err
	}
	name, p, err := readCString(p)
	if err != nil {
		return err
	}
	if len(p) < 1 {
		return fmt.Errorf("replication: truncated Relation message")
	}
	p = p[1:] // replica identity byte, unused

	numCols, p, err := readUint16(p)
	if err != nil {
		return err
	}

	cols := make([]string, 0, numCols)
	for i := 0; i < int(numCols); i++ {
		if len(p) < 1 {
			return fmt.Errorf("replication: truncated Relation column %d", i)
		}
		p = p[1:] // column flags, unused
		var colName string
		colName, p, err = readCString(p)
		if err != nil {
			return err
		}
		_, p, err = readUint32(p) // type OID, unused (values arrive as text)
		if err != nil {
			return err
		}
		_, p, err = readUint32(p) // type modifier, unused
		if err != nil {
			return err
		}
		cols = append(cols, colName)
	}

	c.byID[relID] = relation{namespace: ns, name: name, columns: cols}
	return nil
}

// decodeInsert parses a pgoutput 'I' message: relationID(int32), tag byte
// ('N' for "new tuple"), then a tuple: numColumns(int16), then per column a
// kind byte ('n' null, 'u' unchanged TOAST, 't' text) and, for 't', a
// length-prefixed value. It returns the decoded columns as raw text keyed by
// column name, or ok=false if the relation isn't tracked yet or isn't the
// table this listener cares about.
func (c *relationCache) decodeInsert(payload []byte, schema, table string) (cols map[string]string, ok bool, err error) {
	if len(payload) < 1 || payload[0] != pgoutputInsert {
		return nil, false, fmt.Errorf("replication: not an Insert message")
	}
	p := payload[1:]

	relID, p, err := readUint32(p)
	if err != nil {
		return nil, false, err
	}
	rel, known := c.byID[relID]
	if !known {
		return nil, false, nil
	}
	if rel.namespace != schema || rel.name != table {
		return nil, false, nil
	}

	if len(p) < 1 || p[0] != 'N' {
		return nil, false, fmt.Errorf("replication: expected 'N' tuple tag in Insert message")
	}
	p = p[1:]

	numCols, p, err := readUint16(p)
	if err != nil {
		return nil, false, err
	}

	cols = make(map[string]string, numCols)
	for i := 0; i < int(numCols); i++ {
		if i >= len(rel.columns) {
			return nil, false, fmt.Errorf("replication: tuple has more columns than its Relation message")
		}
		if len(p) < 1 {
			return nil, false, fmt.Errorf("replication: truncated Insert tuple column %d", i)
		}
		kind := p[0]
		p = p[1:]

		switch kind {
		case 'n', 'u':
			continue
		case 't':
			var length uint32
			length, p, err = readUint32(p)
			if err != nil {
				return nil, false, err
			}
			if len(p) < int(length) {
				return nil, false, fmt.Errorf("replication: truncated column value")
			}
			cols[rel.columns[i]] = string(p[:length])
			p = p[length:]
		default:
			return nil, false, fmt.Errorf("replication: unknown tuple column kind %q", kind)
		}
	}
	return cols, true, nil
}

// requiredColumns must all be present for a row to become a
// message.Transactional (spec.md §9 "Dynamic row shape").
var requiredColumns = []string{"id", "aggregate_type", "aggregate_id", "message_type", "created_at", "payload"}

// rowToMessage maps decoded pgoutput columns onto the canonical message
// shape (spec.md §6.1 column mapping), validating every required column is
// present.
func rowToMessage(cols map[string]string) (*message.Transactional, error) {
	for _, req := range requiredColumns {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("replication: row missing required column %q", req)
		}
	}

	createdAt, err := parseTimestamp(cols["created_at"])
	if err != nil {
		return nil, fmt.Errorf("replication: parsing created_at: %w", err)
	}

	m := &message.Transactional{
		ID:            cols["id"],
		AggregateType: cols["aggregate_type"],
		AggregateID:   cols["aggregate_id"],
		MessageType:   cols["message_type"],
		Payload:       json.RawMessage(cols["payload"]),
		CreatedAt:     createdAt,
	}
	if metadata, ok := cols["metadata"]; ok && metadata != "" {
		m.Metadata = json.RawMessage(metadata)
	}
	if segment, ok := cols["segment"]; ok {
		m.Segment = segment
	}
	if concurrency, ok := cols["concurrency"]; ok {
		m.MessageConcurrency = message.Concurrency(concurrency)
	}
	return m, nil
}

// postgresTimestampLayouts are the text representations PostgreSQL's
// default output style uses for timestamptz, tried in order.
var postgresTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07",
	time.RFC3339Nano,
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range postgresTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func readUint32(p []byte) (uint32, []byte, error) {
	if len(p) < 4 {
		return 0, nil, fmt.Errorf("replication: truncated uint32")
	}
	return binary.BigEndian.Uint32(p), p[4:], nil
}

func readUint16(p []byte) (uint16, []byte, error) {
	if len(p) < 2 {
		return 0, nil, fmt.Errorf("replication: truncated uint16")
	}
	return binary.BigEndian.Uint16(p), p[2:], nil
}

func readCString(p []byte) (string, []byte, error) {
	for i, b := range p {
		if b == 0 {
			return string(p[:i]), p[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("replication: unterminated cstring")
}
