package indexsync

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// RawStreamRecord is one notification exactly as delivered by the change
// stream, in the DynamoDB stream record shape.
type RawStreamRecord = json.RawMessage

// ChangeKind is the type of change a stream record reports.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeModify ChangeKind = "MODIFY"
	ChangeRemove ChangeKind = "REMOVE"
)

// ChangeEvent is a decoded stream record. Image is nil for ChangeRemove.
type ChangeEvent struct {
	EventID    string
	Kind       ChangeKind
	DocumentID string
	IndexName  string
	Image      Document
}

// MalformedRecordError reports a stream record that could not be decoded. It
// only ever affects the record it describes.
type MalformedRecordError struct {
	EventID string
	Reason  string
}

func (e *MalformedRecordError) Error() string {
	if e.EventID == "" {
		return "malformed stream record: " + e.Reason
	}
	return fmt.Sprintf("malformed stream record %s: %s", e.EventID, e.Reason)
}

// Stream image attribute names.
const (
	attrPK    = "PK"
	attrSK    = "SK"
	attrIndex = "index"
	attrData  = "data"
)

// DecodeRecord turns a raw stream record into a ChangeEvent.
func DecodeRecord(raw RawStreamRecord) (ChangeEvent, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ChangeEvent{}, &MalformedRecordError{Reason: "invalid json"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return ChangeEvent{}, &MalformedRecordError{Reason: "record is not an object"}
	}
	eventID := root.Get("eventID").String()
	malformed := func(format string, args ...any) error {
		return &MalformedRecordError{EventID: eventID, Reason: fmt.Sprintf(format, args...)}
	}

	kind := ChangeKind(root.Get("eventName").String())
	switch kind {
	case ChangeInsert, ChangeModify, ChangeRemove:
	default:
		return ChangeEvent{}, malformed("unknown event name %q", string(kind))
	}

	stream := root.Get("dynamodb")
	if !stream.IsObject() {
		return ChangeEvent{}, malformed("missing dynamodb section")
	}

	pk, err := stringAttribute(stream.Get("Keys." + attrPK))
	if err != nil {
		return ChangeEvent{}, malformed("key %s: %v", attrPK, err)
	}
	sk, err := stringAttribute(stream.Get("Keys." + attrSK))
	if err != nil {
		return ChangeEvent{}, malformed("key %s: %v", attrSK, err)
	}

	newImage := stream.Get("NewImage")
	oldImage := stream.Get("OldImage")

	index, _ := stringAttribute(newImage.Get(attrIndex))
	if index == "" {
		index, _ = stringAttribute(oldImage.Get(attrIndex))
	}
	if index == "" {
		return ChangeEvent{}, malformed("missing index name")
	}

	event := ChangeEvent{
		EventID:    eventID,
		Kind:       kind,
		DocumentID: ItemKey{PK: pk, SK: sk}.DocumentID(),
		IndexName:  index,
	}
	if kind == ChangeRemove {
		return event, nil
	}

	if !newImage.IsObject() {
		return ChangeEvent{}, malformed("%s without NewImage", kind)
	}
	data := newImage.Get(attrData)
	if !data.Exists() {
		return ChangeEvent{}, malformed("%s without %s attribute", kind, attrData)
	}
	decoded, err := decodeAttribute(data)
	if err != nil {
		return ChangeEvent{}, malformed("decode %s: %v", attrData, err)
	}
	image, ok := decoded.(Document)
	if !ok {
		return ChangeEvent{}, malformed("%s attribute is not a map", attrData)
	}
	event.Image = image
	return event, nil
}

func stringAttribute(v gjson.Result) (string, error) {
	if !v.Exists() {
		return "", fmt.Errorf("missing")
	}
	val, err := decodeAttribute(v)
	if err != nil {
		return "", err
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("not a non-empty string")
	}
	return s, nil
}

// ParseBatch splits a delivered batch into its raw records. Both the
// {"Records": [...]} envelope and a bare JSON array are accepted. Records are
// not validated here; each is decoded on its own so one bad record never
// rejects its siblings.
func ParseBatch(data []byte) ([]RawStreamRecord, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parse batch: invalid json")
	}
	root := gjson.ParseBytes(data)
	list := root
	if root.IsObject() {
		list = root.Get("Records")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("parse batch: expected a Records array")
	}
	var records []RawStreamRecord
	list.ForEach(func(_, item gjson.Result) bool {
		records = append(records, RawStreamRecord(item.Raw))
		return true
	})
	return records, nil
}
