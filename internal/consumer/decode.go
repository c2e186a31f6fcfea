// Package consumer decodes bus messages into processor batches and dead-letters
// what cannot be decoded.
package consumer

import (
	"bytes"
	"encoding/json"
	"strings"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
)

type specimenMessage struct {
	EnrichmentList   []string        `json:"enrichmentList"`
	Wrapper          *wrapperMessage `json:"digitalSpecimenWrapper"`
	MediaEvents      *[]mediaMessage `json:"digitalMediaEvents"`
	LinkedMedia      *[]mediaMessage `json:"linkedMediaEvents"`
	ForceMasSchedule bool            `json:"forceMasSchedule"`
}

// mediaEvents returns the nested media list. digitalMediaEvents wins when a
// producer sends both keys.
func (m specimenMessage) mediaEvents() *[]mediaMessage {
	if m.MediaEvents != nil {
		return m.MediaEvents
	}
	return m.LinkedMedia
}

type mediaMessage struct {
	EnrichmentList     []string        `json:"enrichmentList"`
	Wrapper            *wrapperMessage `json:"digitalMediaWrapper"`
	ForceMasSchedule   bool            `json:"forceMasSchedule"`
	SpecimenPhysicalID string          `json:"specimenPhysicalId"`
}

// wrapperMessage carries either a physicalSpecimenId or an accessURI,
// depending on the record kind.
type wrapperMessage struct {
	PhysicalSpecimenID string            `json:"physicalSpecimenId"`
	AccessURI          string            `json:"accessURI"`
	Type               string            `json:"type"`
	Attributes         domain.Attributes `json:"attributes"`
	OriginalAttributes json.RawMessage   `json:"originalAttributes"`
}

type deleteMessage struct {
	PID  string `json:"pid"`
	Kind string `json:"kind"`
}

// mediaKeyAttributes are looked up when a media wrapper has no accessURI.
var mediaKeyAttributes = []string{"ac:accessURI", "accessURI"}

// DecodeSpecimenEvent parses a specimen topic message. Nested media become
// linked media events; an absent media list is distinct from an empty one.
func DecodeSpecimenEvent(raw []byte) (domain.Event, error) {
	var msg specimenMessage
	if err := unmarshal(raw, &msg); err != nil {
		return domain.Event{}, err
	}
	if msg.Wrapper == nil {
		return domain.Event{}, dErrors.New(dErrors.CodeValidation, "digitalSpecimenWrapper is missing")
	}
	ev := domain.Event{
		Kind:             domain.KindSpecimen,
		Wrapper:          specimenWrapper(msg.Wrapper),
		EnrichmentList:   msg.EnrichmentList,
		ForceMasSchedule: msg.ForceMasSchedule,
		Raw:              raw,
	}
	if nested := msg.mediaEvents(); nested != nil {
		ev.LinkedMedia = make([]domain.Event, 0, len(*nested))
		for _, m := range *nested {
			media, err := mediaEvent(m)
			if err != nil {
				return domain.Event{}, err
			}
			media.SpecimenKey = ev.Wrapper.NaturalKey
			ev.LinkedMedia = append(ev.LinkedMedia, media)
		}
	}
	return ev, nil
}

// DecodeMediaEvent parses a standalone media topic message.
func DecodeMediaEvent(raw []byte) (domain.Event, error) {
	var msg mediaMessage
	if err := unmarshal(raw, &msg); err != nil {
		return domain.Event{}, err
	}
	ev, err := mediaEvent(msg)
	if err != nil {
		return domain.Event{}, err
	}
	ev.Raw = raw
	return ev, nil
}

func DecodeDeleteRequest(raw []byte) (domain.DeleteRequest, error) {
	var msg deleteMessage
	if err := unmarshal(raw, &msg); err != nil {
		return domain.DeleteRequest{}, err
	}
	kind, err := domain.ParseKind(msg.Kind)
	if err != nil {
		return domain.DeleteRequest{}, dErrors.Wrap(err, dErrors.CodeValidation, "delete request")
	}
	pid := strings.TrimSpace(msg.PID)
	if pid == "" {
		return domain.DeleteRequest{}, dErrors.New(dErrors.CodeValidation, "delete request without pid")
	}
	return domain.DeleteRequest{Kind: kind, PID: pid, Raw: raw}, nil
}

func mediaEvent(msg mediaMessage) (domain.Event, error) {
	if msg.Wrapper == nil {
		return domain.Event{}, dErrors.New(dErrors.CodeValidation, "digitalMediaWrapper is missing")
	}
	w := msg.Wrapper
	key := w.AccessURI
	for _, attr := range mediaKeyAttributes {
		if key != "" {
			break
		}
		key = w.Attributes.String(attr)
	}
	return domain.Event{
		Kind: domain.KindMedia,
		Wrapper: domain.Wrapper{
			NaturalKey:         key,
			Type:               w.Type,
			Attributes:         w.Attributes,
			OriginalAttributes: w.OriginalAttributes,
		},
		EnrichmentList:   msg.EnrichmentList,
		ForceMasSchedule: msg.ForceMasSchedule,
		SpecimenKey:      msg.SpecimenPhysicalID,
	}, nil
}

func specimenWrapper(w *wrapperMessage) domain.Wrapper {
	return domain.Wrapper{
		NaturalKey:         w.PhysicalSpecimenID,
		Type:               w.Type,
		Attributes:         w.Attributes,
		OriginalAttributes: w.OriginalAttributes,
	}
}

func unmarshal(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return dErrors.New(dErrors.CodeValidation, "empty message")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "malformed message")
	}
	return nil
}
