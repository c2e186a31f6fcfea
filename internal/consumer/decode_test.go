package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
)

const specimenWithMedia = `{
  "enrichmentList": ["mas-1"],
  "digitalSpecimenWrapper": {
    "physicalSpecimenId": "RMNH.5012",
    "type": "https://doi.org/21.T11148/894b1e6cad57e921764e",
    "attributes": {"organisationId": "https://ror.org/0566bfb96", "specimenName": "Quercus robur"},
    "originalAttributes": {"dwc:catalogNumber": "5012"}
  },
  "digitalMediaEvents": [
    {
      "enrichmentList": ["mas-image"],
      "digitalMediaWrapper": {
        "type": "StillImage",
        "attributes": {"ac:accessURI": "https://img.example/5012.jpg", "organisationId": "https://ror.org/0566bfb96"}
      }
    }
  ],
  "forceMasSchedule": true
}`

func TestDecodeSpecimenEvent(t *testing.T) {
	ev, err := DecodeSpecimenEvent([]byte(specimenWithMedia))
	require.NoError(t, err)

	assert.Equal(t, domain.KindSpecimen, ev.Kind)
	assert.Equal(t, "RMNH.5012", ev.NaturalKey())
	assert.Equal(t, "Quercus robur", ev.Wrapper.Attributes.String("specimenName"))
	assert.JSONEq(t, `{"dwc:catalogNumber": "5012"}`, string(ev.Wrapper.OriginalAttributes))
	assert.Equal(t, []string{"mas-1"}, ev.EnrichmentList)
	assert.True(t, ev.ForceMasSchedule)
	assert.JSONEq(t, specimenWithMedia, string(ev.Raw))

	require.Len(t, ev.LinkedMedia, 1)
	media := ev.LinkedMedia[0]
	assert.Equal(t, domain.KindMedia, media.Kind)
	assert.Equal(t, "https://img.example/5012.jpg", media.NaturalKey(), "falls back to the ac:accessURI attribute")
	assert.Equal(t, "RMNH.5012", media.SpecimenKey)
	assert.Equal(t, []string{"mas-image"}, media.EnrichmentList)
}

func TestDecodeSpecimenEvent_MediaList(t *testing.T) {
	absent, err := DecodeSpecimenEvent([]byte(`{"digitalSpecimenWrapper": {"physicalSpecimenId": "A"}}`))
	require.NoError(t, err)
	assert.False(t, absent.HasMediaSet())

	empty, err := DecodeSpecimenEvent([]byte(`{"digitalSpecimenWrapper": {"physicalSpecimenId": "A"}, "digitalMediaEvents": []}`))
	require.NoError(t, err)
	assert.True(t, empty.HasMediaSet(), "an empty list retires every media link")
}

func TestDecodeSpecimenEvent_LinkedMediaKey(t *testing.T) {
	ev, err := DecodeSpecimenEvent([]byte(`{
	  "digitalSpecimenWrapper": {"physicalSpecimenId": "A"},
	  "linkedMediaEvents": [{"digitalMediaWrapper": {"accessURI": "https://img.example/1.jpg"}}]
	}`))
	require.NoError(t, err)
	require.Len(t, ev.LinkedMedia, 1)
	assert.Equal(t, "https://img.example/1.jpg", ev.LinkedMedia[0].Wrapper.NaturalKey)
	assert.Equal(t, "A", ev.LinkedMedia[0].SpecimenKey)

	empty, err := DecodeSpecimenEvent([]byte(`{"digitalSpecimenWrapper": {"physicalSpecimenId": "A"}, "linkedMediaEvents": []}`))
	require.NoError(t, err)
	assert.True(t, empty.HasMediaSet())

	both, err := DecodeSpecimenEvent([]byte(`{
	  "digitalSpecimenWrapper": {"physicalSpecimenId": "A"},
	  "digitalMediaEvents": [],
	  "linkedMediaEvents": [{"digitalMediaWrapper": {"accessURI": "https://img.example/1.jpg"}}]
	}`))
	require.NoError(t, err)
	assert.Empty(t, both.LinkedMedia)
	assert.True(t, both.HasMediaSet())
}

func TestDecodeMediaEvent(t *testing.T) {
	ev, err := DecodeMediaEvent([]byte(`{
	  "digitalMediaWrapper": {"accessURI": "https://img.example/1.jpg", "type": "StillImage", "attributes": {}},
	  "specimenPhysicalId": "RMNH.5012"
	}`))
	require.NoError(t, err)

	assert.Equal(t, domain.KindMedia, ev.Kind)
	assert.Equal(t, "https://img.example/1.jpg", ev.NaturalKey())
	assert.Equal(t, "RMNH.5012", ev.SpecimenKey)
	assert.NotEmpty(t, ev.Raw)
}

func TestDecodeDeleteRequest(t *testing.T) {
	req, err := DecodeDeleteRequest([]byte(`{"pid": " 20.5000.1025/ABC ", "kind": "digital_media"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindMedia, req.Kind)
	assert.Equal(t, "20.5000.1025/ABC", req.PID)
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		raw    string
	}{
		{"empty specimen", specimenDecoder, ""},
		{"malformed specimen", specimenDecoder, `{"digitalSpecimenWrapper":`},
		{"specimen without wrapper", specimenDecoder, `{"enrichmentList": []}`},
		{"nested media without wrapper", specimenDecoder, `{"digitalSpecimenWrapper": {}, "digitalMediaEvents": [{}]}`},
		{"media without wrapper", mediaDecoder, `{"specimenPhysicalId": "A"}`},
		{"delete with unknown kind", deleteDecoder, `{"pid": "20.5000.1025/ABC", "kind": "annotation"}`},
		{"delete without pid", deleteDecoder, `{"kind": "digital_specimen"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func specimenDecoder(raw []byte) error {
	_, err := DecodeSpecimenEvent(raw)
	return err
}

func mediaDecoder(raw []byte) error {
	_, err := DecodeMediaEvent(raw)
	return err
}

func deleteDecoder(raw []byte) error {
	_, err := DecodeDeleteRequest(raw)
	return err
}
