// Package mids computes the MIDS completeness level of a specimen's attributes.
//
// A level is a list of requirements. A requirement holds when any one of its
// term groups holds, and a group holds only when every term in it is present.
// Level N is reached when the requirements of every level from 1 to N hold;
// level 0 is the floor. Level 2 comes in a biological and a geological
// variant and the higher satisfied level wins.
package mids

import "dsprocessor/internal/domain"

// Group is a set of terms that must all be present.
type Group []string

// Requirement is satisfied by any of its groups.
type Requirement struct {
	Name  string
	AnyOf []Group
}

// Requirements make up one level.
type Requirements []Requirement

// Term names used by the level tables.
const (
	TermPhysicalSpecimenID = "physicalSpecimenId"
	TermOrganisationID     = "organisationId"
	TermSpecimenName       = "specimenName"
	TermLicense            = "license"
	TermModified           = "modified"
	TermLivingOrPreserved  = "livingOrPreserved"
	TermScientificName     = "scientificName"
	TermVerbatimIdent      = "verbatimIdentification"
	TermRecordedBy         = "recordedBy"
	TermEventDate          = "eventDate"
	TermDecimalLatitude    = "decimalLatitude"
	TermDecimalLongitude   = "decimalLongitude"
	TermCountry            = "country"
	TermLocality           = "locality"
	TermEarliestEon        = "earliestEonOrLowestEonothem"
	TermLatestEon          = "latestEonOrHighestEonothem"
	TermEarliestEpoch      = "earliestEpochOrLowestSeries"
	TermLatestEpoch        = "latestEpochOrHighestSeries"
	TermLithostratigraphy  = "lithostratigraphicTerms"
)

func all(terms ...string) Requirement {
	return Requirement{Name: terms[0], AnyOf: []Group{terms}}
}

var level1 = Requirements{
	all(TermPhysicalSpecimenID),
	all(TermOrganisationID),
	all(TermSpecimenName),
	all(TermLicense),
	all(TermModified),
	all(TermLivingOrPreserved),
}

var location = Requirement{
	Name: "location",
	AnyOf: []Group{
		{TermDecimalLatitude, TermDecimalLongitude},
		{TermCountry, TermLocality},
	},
}

var level2Biological = Requirements{
	all(TermScientificName),
	all(TermRecordedBy),
	all(TermEventDate),
	location,
}

var level2Geological = Requirements{
	{
		Name:  "identification",
		AnyOf: []Group{{TermScientificName}, {TermVerbatimIdent}},
	},
	all(TermRecordedBy),
	location,
	{
		Name: "stratigraphy",
		AnyOf: []Group{
			{TermEarliestEon, TermLatestEon},
			{TermEarliestEpoch, TermLatestEpoch},
			{TermLithostratigraphy},
		},
	},
}

// levels[i] lists the variants of level i+1.
var levels = [][]Requirements{
	{level1},
	{level2Biological, level2Geological},
}

// Level returns the MIDS level (0, 1 or 2) of attrs.
func Level(attrs domain.Attributes) int {
	reached := 0
	for i, variants := range levels {
		if !anySatisfied(attrs, variants) {
			break
		}
		reached = i + 1
	}
	return reached
}

// Missing lists the requirement names that keep attrs from reaching level.
// For a level with variants it reports the variant closest to completion.
func Missing(attrs domain.Attributes, level int) []string {
	var out []string
	for i := 0; i < level && i < len(levels); i++ {
		var best []string
		for j, variant := range levels[i] {
			missing := variant.missing(attrs)
			if j == 0 || len(missing) < len(best) {
				best = missing
			}
		}
		out = append(out, best...)
	}
	return out
}

func anySatisfied(attrs domain.Attributes, variants []Requirements) bool {
	for _, v := range variants {
		if v.satisfied(attrs) {
			return true
		}
	}
	return false
}

func (rs Requirements) satisfied(attrs domain.Attributes) bool {
	for _, r := range rs {
		if !r.satisfied(attrs) {
			return false
		}
	}
	return true
}

func (rs Requirements) missing(attrs domain.Attributes) []string {
	var out []string
	for _, r := range rs {
		if !r.satisfied(attrs) {
			out = append(out, r.Name)
		}
	}
	return out
}

func (r Requirement) satisfied(attrs domain.Attributes) bool {
	for _, g := range r.AnyOf {
		if g.satisfied(attrs) {
			return true
		}
	}
	return false
}

func (g Group) satisfied(attrs domain.Attributes) bool {
	if len(g) == 0 {
		return false
	}
	for _, term := range g {
		if !attrs.Has(term) {
			return false
		}
	}
	return true
}
