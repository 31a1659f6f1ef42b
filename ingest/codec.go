package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"warden/core"
)

// Content types understood by the decoders
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// IsMsgpack reports whether contentType names a MessagePack encoding
func IsMsgpack(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case ContentTypeMsgpack, "application/x-msgpack", "application/vnd.msgpack":
		return true
	}
	return false
}

// DecodeRawEvent decodes data as MessagePack when contentType says so and as
// JSON otherwise. Unknown JSON fields are rejected.
func DecodeRawEvent(contentType string, data []byte) (core.RawEvent, error) {
	var raw core.RawEvent
	if IsMsgpack(contentType) {
		if err := msgpack.Unmarshal(data, &raw); err != nil {
			return core.RawEvent{}, fmt.Errorf("%w: decode msgpack: %v", core.ErrInvalidEvent, err)
		}
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return core.RawEvent{}, fmt.Errorf("%w: decode json: %v", core.ErrInvalidEvent, err)
	}
	return raw, nil
}

// EncodeReply encodes v in the same format as the request. MessagePack
// replies use the json field names so both encodings carry the same keys.
func EncodeReply(contentType string, v any) ([]byte, string, error) {
	if IsMsgpack(contentType) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(v); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), ContentTypeMsgpack, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return data, ContentTypeJSON, nil
}
