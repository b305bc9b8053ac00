package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when decoding a tag outside the catalogue.
var ErrUnknownType = errors.New("unknown event type")

// Encode marshals ev as a flat JSON object with a "type" discriminator.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	tag, _ := json.Marshal(ev.Type())
	fields["type"] = tag

	return json.Marshal(fields)
}

// Decode parses a payload produced by Encode or by the frontend.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case TypeStatusChange:
		return decodeAs[StatusChange](data)
	case TypeLoadingProgress:
		return decodeAs[LoadingProgress](data)
	case TypeDownloadProgress:
		return decodeAs[DownloadProgress](data)
	case TypeTranscriptionError:
		return decodeAs[TranscriptionError](data)
	case TypeTranscriptionData:
		return decodeAs[TranscriptionData](data)
	case TypeTranscriptionStarted:
		return decodeAs[TranscriptionStarted](data)
	case TypeTranscriptionStopped:
		return decodeAs[TranscriptionStopped](data)
	case TypeTranscriptionModelOptionsUpdated:
		return decodeAs[TranscriptionModelOptionsUpdated](data)
	case TypeTranscriptionModelOptionSelected:
		return decodeAs[TranscriptionModelOptionSelected](data)
	case TypeDeviceInputOptionsUpdated:
		return decodeAs[DeviceInputOptionsUpdated](data)
	case TypeDeviceInputOptionSelected:
		return decodeAs[DeviceInputOptionSelected](data)
	case TypeDeviceOutputUpdated:
		return decodeAs[DeviceOutputUpdated](data)
	case TypeLlmModelOptionsUpdated:
		return decodeAs[LlmModelOptionsUpdated](data)
	case TypeLlmModelOptionSelected:
		return decodeAs[LlmModelOptionSelected](data)
	case TypeLlmRequest:
		return decodeAs[LlmRequest](data)
	case TypeLlmResponse:
		return decodeAs[LlmResponse](data)
	case TypePrompterStatusChanged:
		return decodeAs[PrompterStatusChanged](data)
	case TypePrompterControl:
		return decodeAs[PrompterControl](data)
	case TypeAgentWindowOpen:
		return decodeAs[AgentWindowOpen](data)
	case TypeAgentWindowClosed:
		return decodeAs[AgentWindowClosed](data)
	case TypeFileAgentCreated:
		return decodeAs[FileAgentCreated](data)
	case TypeFileAgentModified:
		return decodeAs[FileAgentModified](data)
	case TypeFileAgentDeleted:
		return decodeAs[FileAgentDeleted](data)
	case TypeUserFacingMessage:
		return decodeAs[UserFacingMessage](data)
	case TypeAppConfigChanged:
		return decodeAs[AppConfigChanged](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev.Type(), err)
	}
	return ev, nil
}

// Envelope is the unit carried by external transports. Origin identifies
// the bus that emitted it so a bus can ignore its own echoes.
type Envelope struct {
	Origin string
	Event  Event
}

type wireEnvelope struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, errors.New("encode envelope: missing event")
	}
	body, err := Encode(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Origin: e.Origin, Event: body})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(wire.Event) == 0 {
		return errors.New("decode envelope: missing event")
	}
	ev, err := Decode(wire.Event)
	if err != nil {
		return err
	}
	e.Origin = wire.Origin
	e.Event = ev
	return nil
}

// PeekType returns the event tag of an encoded envelope without decoding the payload.
func PeekType(data []byte) (Type, error) {
	var head struct {
		Event struct {
			Type Type `json:"type"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("peek envelope: %w", err)
	}
	return head.Event.Type, nil
}
