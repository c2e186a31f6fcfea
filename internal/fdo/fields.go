package fdo

import "dsprocessor/internal/domain"

// Field indices of the registrar's profile schema. The numbers are part of the
// external contract and must never be renumbered.
const (
	IndexProfile         = 1
	IndexObjectType      = 2
	IndexIssuingAgent    = 3
	IndexPIDStatus       = 30
	IndexHost            = 200
	IndexHostName        = 201
	IndexPrimaryID       = 202
	IndexPrimaryIDType   = 203
	IndexTopicDiscipline = 204
	IndexReferentName    = 205
	IndexSourceSystem    = 206
	IndexLivingOrPres    = 207
	IndexMarkedAsType    = 208
	IndexCatalogID       = 209
	IndexMediaFormat     = 404
	IndexLicense         = 405
)

var fieldNames = map[int]string{
	IndexProfile:         "fdoProfile",
	IndexObjectType:      "digitalObjectType",
	IndexIssuingAgent:    "issuedForAgent",
	IndexPIDStatus:       "pidStatus",
	IndexHost:            "specimenHost",
	IndexHostName:        "specimenHostName",
	IndexPrimaryID:       "primarySpecimenObjectId",
	IndexPrimaryIDType:   "primarySpecimenObjectIdType",
	IndexTopicDiscipline: "topicDiscipline",
	IndexReferentName:    "referentName",
	IndexSourceSystem:    "sourceSystem",
	IndexLivingOrPres:    "livingOrPreserved",
	IndexMarkedAsType:    "markedAsType",
	IndexCatalogID:       "catalogIdentifier",
	IndexMediaFormat:     "mediaFormat",
	IndexLicense:         "license",
}

var mediaFieldNames = map[int]string{
	IndexHost:          "mediaHost",
	IndexHostName:      "mediaHostName",
	IndexPrimaryID:     "primaryMediaId",
	IndexPrimaryIDType: "primaryMediaIdType",
}

// FieldName returns the registrar type name of index for kind.
func FieldName(kind domain.Kind, index int) string {
	if kind == domain.KindMedia {
		if n, ok := mediaFieldNames[index]; ok {
			return n
		}
	}
	return fieldNames[index]
}

// profile is the closed description of one digital-object profile.
type profile struct {
	profileID  string
	objectType string
	// hostAttribute is the mandatory home organisation attribute.
	hostAttribute string
	// optional maps source attribute names to field indices.
	optional map[string]int
}

const (
	AttrOrganisationID   = "organisationId"
	AttrOrganisationName = "organisationName"
	AttrTypeStatus       = "typeStatus"
	AttrLivingOrPres     = "livingOrPreserved"
)

var profiles = map[domain.Kind]profile{
	domain.KindSpecimen: {
		profileID:     "https://hdl.handle.net/21.T11148/d8de0819e144e4096645",
		objectType:    "https://hdl.handle.net/21.T11148/894b1e6cad57e921764e",
		hostAttribute: AttrOrganisationID,
		optional: map[string]int{
			AttrOrganisationName:     IndexHostName,
			"physicalSpecimenIdType": IndexPrimaryIDType,
			"topicDiscipline":        IndexTopicDiscipline,
			"specimenName":           IndexReferentName,
			"sourceSystemId":         IndexSourceSystem,
			"catalogNumber":          IndexCatalogID,
			AttrLivingOrPres:         IndexLivingOrPres,
		},
	},
	domain.KindMedia: {
		profileID:     "https://hdl.handle.net/21.T11148/bbad8c4e101e8af01115",
		objectType:    "https://hdl.handle.net/21.T11148/bbad8c4e101e8af01115",
		hostAttribute: AttrOrganisationID,
		optional: map[string]int{
			AttrOrganisationName: IndexHostName,
			"mediaIdType":        IndexPrimaryIDType,
			"format":             IndexMediaFormat,
			"license":            IndexLicense,
		},
	},
}

// ObjectType returns the object-type id written into profiles of kind.
func ObjectType(kind domain.Kind) string {
	return profiles[kind].objectType
}
