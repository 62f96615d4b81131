package webhooks

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

const (
	UnknownObject         = "Unknown"
	DefaultAction         = "received"
	OutboundMessageObject = "OutboundMessage"
)

// Payload is the closed set of inbound shapes. The route picks the parser;
// anything a parser cannot make sense of becomes UnknownPayload.
type Payload interface {
	canonical() (object string, action string, recordID string, data map[string]any)
}

// ChangeEventHeader is the CDC envelope header, either top level or nested
// under "payload".
type ChangeEventHeader struct {
	EntityName string
	ChangeType string
	RecordIDs  []string
}

type PlatformEventPayload struct {
	SObjectType string
	Object      string
	Action      string
	RecordID    string
	ID          string
	Header      *ChangeEventHeader
	Fields      map[string]any
}

type CdcPayload struct {
	SObjectType string
	Object      string
	Action      string
	RecordID    string
	ID          string
	Header      ChangeEventHeader
	Fields      map[string]any
}

type SoapEnvelope struct {
	Raw             string
	OrganizationID  string
	NotificationIDs []string
}

type UnknownPayload struct {
	Raw string
}

func (p PlatformEventPayload) canonical() (string, string, string, map[string]any) {
	header := ChangeEventHeader{}
	if p.Header != nil {
		header = *p.Header
	}
	return firstNonEmpty(p.SObjectType, p.Object, header.EntityName, UnknownObject),
		firstNonEmpty(p.Action, header.ChangeType, DefaultAction),
		firstNonEmpty(p.RecordID, p.ID, firstRecordID(header)),
		p.Fields
}

func (p CdcPayload) canonical() (string, string, string, map[string]any) {
	return firstNonEmpty(p.SObjectType, p.Object, p.Header.EntityName, UnknownObject),
		firstNonEmpty(p.Action, p.Header.ChangeType, DefaultAction),
		firstNonEmpty(p.RecordID, p.ID, firstRecordID(p.Header)),
		p.Fields
}

func (p SoapEnvelope) canonical() (string, string, string, map[string]any) {
	return OutboundMessageObject, DefaultAction, "", map[string]any{"raw": p.Raw}
}

func (p UnknownPayload) canonical() (string, string, string, map[string]any) {
	return UnknownObject, DefaultAction, "", map[string]any{"raw": p.Raw}
}

// Decode parses body with the parser registered for kind. It never fails.
func Decode(kind core.EventKind, body []byte) Payload {
	switch kind {
	case core.EventKindOutboundMessage:
		return decodeSoap(body)
	case core.EventKindCDC:
		fields, ok := decodeObject(body)
		if !ok {
			return UnknownPayload{Raw: string(body)}
		}
		header, _ := changeEventHeader(fields)
		return CdcPayload{
			SObjectType: stringField(fields, "sobjectType"),
			Object:      stringField(fields, "object"),
			Action:      stringField(fields, "action"),
			RecordID:    stringField(fields, "recordId"),
			ID:          stringField(fields, "Id"),
			Header:      header,
			Fields:      fields,
		}
	case core.EventKindPlatformEvent:
		fields, ok := decodeObject(body)
		if !ok {
			return UnknownPayload{Raw: string(body)}
		}
		payload := PlatformEventPayload{
			SObjectType: stringField(fields, "sobjectType"),
			Object:      stringField(fields, "object"),
			Action:      stringField(fields, "action"),
			RecordID:    stringField(fields, "recordId"),
			ID:          stringField(fields, "Id"),
			Fields:      fields,
		}
		if header, ok := changeEventHeader(fields); ok {
			payload.Header = &header
		}
		return payload
	default:
		return UnknownPayload{Raw: string(body)}
	}
}

// EventNormalizer implements core.Normalizer.
type EventNormalizer struct{}

func NewNormalizer() EventNormalizer {
	return EventNormalizer{}
}

func (EventNormalizer) Normalize(kind core.EventKind, body []byte, receivedAt time.Time) core.Event {
	object, action, recordID, data := Decode(kind, body).canonical()
	if data == nil {
		data = map[string]any{}
	}
	return core.Event{
		Kind:       kind,
		Object:     object,
		Action:     action,
		RecordID:   recordID,
		Data:       data,
		ReceivedAt: receivedAt.UTC(),
	}
}

func decodeObject(body []byte) (map[string]any, bool) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func changeEventHeader(fields map[string]any) (ChangeEventHeader, bool) {
	raw, ok := fields["ChangeEventHeader"].(map[string]any)
	if !ok {
		nested, isMap := fields["payload"].(map[string]any)
		if !isMap {
			return ChangeEventHeader{}, false
		}
		raw, ok = nested["ChangeEventHeader"].(map[string]any)
		if !ok {
			return ChangeEventHeader{}, false
		}
	}
	header := ChangeEventHeader{
		EntityName: stringField(raw, "entityName"),
		ChangeType: stringField(raw, "changeType"),
	}
	if ids, isList := raw["recordIds"].([]any); isList {
		for _, id := range ids {
			if value, isString := id.(string); isString && strings.TrimSpace(value) != "" {
				header.RecordIDs = append(header.RecordIDs, strings.TrimSpace(value))
			}
		}
	}
	return header, true
}

type outboundEnvelope struct {
	Body struct {
		Notifications struct {
			OrganizationID string `xml:"OrganizationId"`
			Notification   []struct {
				ID string `xml:"Id"`
			} `xml:"Notification"`
		} `xml:"notifications"`
	} `xml:"Body"`
}

// decodeSoap keeps the body verbatim. Notification ids are best effort and only
// used for logging.
func decodeSoap(body []byte) SoapEnvelope {
	envelope := SoapEnvelope{Raw: string(body)}
	var parsed outboundEnvelope
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return envelope
	}
	envelope.OrganizationID = strings.TrimSpace(parsed.Body.Notifications.OrganizationID)
	for _, notification := range parsed.Body.Notifications.Notification {
		if id := strings.TrimSpace(notification.ID); id != "" {
			envelope.NotificationIDs = append(envelope.NotificationIDs, id)
		}
	}
	return envelope
}

func stringField(fields map[string]any, key string) string {
	value, ok := fields[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstRecordID(header ChangeEventHeader) string {
	if len(header.RecordIDs) == 0 {
		return ""
	}
	return header.RecordIDs[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var _ core.Normalizer = EventNormalizer{}
