package query

import "github.com/dcmrs-broker/dcmrs-broker/internal/dcm"

// requiredAttributes are always requested so they come back even when the
// archive has no value for them.
var requiredAttributes = map[dcm.Level][]dcm.AttributeID{
	dcm.LevelStudy: parseAll(
		"SpecificCharacterSet",
		"StudyDate",
		"StudyTime",
		"AccessionNumber",
		"InstanceAvailability",
		"ModalitiesInStudy",
		"ReferringPhysicianName",
		"TimezoneOffsetFromUTC",
		"RetrieveURL",
		"PatientName",
		"PatientID",
		"PatientBirthDate",
		"PatientSex",
		"StudyInstanceUID",
		"StudyID",
		"NumberOfStudyRelatedSeries",
		"NumberOfStudyRelatedInstances",
	),
	dcm.LevelSeries: parseAll(
		"SpecificCharacterSet",
		"Modality",
		"TimezoneOffsetFromUTC",
		"SeriesDescription",
		"RetrieveURL",
		"StudyInstanceUID",
		"SeriesInstanceUID",
		"SeriesNumber",
		"NumberOfSeriesRelatedInstances",
		"PerformedProcedureStepStartDate",
		"PerformedProcedureStepStartTime",
		"RequestAttributesSequence.ScheduledProcedureStepID",
		"RequestAttributesSequence.RequestedProcedureID",
	),
	dcm.LevelImage: parseAll(
		"SpecificCharacterSet",
		"SOPClassUID",
		"SOPInstanceUID",
		"InstanceAvailability",
		"TimezoneOffsetFromUTC",
		"RetrieveURL",
		"StudyInstanceUID",
		"SeriesInstanceUID",
		"InstanceNumber",
		"Rows",
		"Columns",
		"BitsAllocated",
		"NumberOfFrames",
	),
}

func parseAll(ids ...string) []dcm.AttributeID {
	out := make([]dcm.AttributeID, len(ids))
	for i, id := range ids {
		out[i] = dcm.MustParseAttributeID(id)
	}
	return out
}
