package dcm

import (
	"strings"

	dicomtag "github.com/suyashkumar/dicom/pkg/tag"
)

// 本地表收录网关直接构造的属性并提供 Go 常量；其余关键字查询完整的标准字典。
type dictEntry struct {
	keyword string
	tag     Tag
	vr      VR
}

const (
	// command group
	AffectedSOPClassUID            Tag = 0x00000002
	CommandField                   Tag = 0x00000100
	MessageID                      Tag = 0x00000110
	MoveDestination                Tag = 0x00000600
	Priority                       Tag = 0x00000700
	Status                         Tag = 0x00000900
	ErrorComment                   Tag = 0x00000902
	AffectedSOPInstanceUID         Tag = 0x00001000
	NumberOfRemainingSuboperations Tag = 0x00001020
	NumberOfCompletedSuboperations Tag = 0x00001021
	NumberOfFailedSuboperations    Tag = 0x00001022
	NumberOfWarningSuboperations   Tag = 0x00001023
	CommandGroupLength             Tag = 0x00000000
	MessageIDBeingRespondedTo      Tag = 0x00000120
	CommandDataSetType             Tag = 0x00000800
	MoveOriginatorAETitle          Tag = 0x00001030
	MoveOriginatorMessageID        Tag = 0x00001031

	// file meta group
	FileMetaInformationGroupLength Tag = 0x00020000
	FileMetaInformationVersion     Tag = 0x00020001
	MediaStorageSOPClassUID        Tag = 0x00020002
	MediaStorageSOPInstanceUID     Tag = 0x00020003
	TransferSyntaxUID              Tag = 0x00020010
	ImplementationClassUID         Tag = 0x00020012
	ImplementationVersionName      Tag = 0x00020013
	SourceApplicationEntityTitle   Tag = 0x00020016

	SpecificCharacterSet                Tag = 0x00080005
	SOPClassUID                         Tag = 0x00080016
	SOPInstanceUID                      Tag = 0x00080018
	StudyDate                           Tag = 0x00080020
	SeriesDate                          Tag = 0x00080021
	StudyTime                           Tag = 0x00080030
	SeriesTime                          Tag = 0x00080031
	AccessionNumber                     Tag = 0x00080050
	QueryRetrieveLevel                  Tag = 0x00080052
	RetrieveAETitle                     Tag = 0x00080054
	InstanceAvailability                Tag = 0x00080056
	Modality                            Tag = 0x00080060
	ModalitiesInStudy                   Tag = 0x00080061
	ReferringPhysicianName              Tag = 0x00080090
	TimezoneOffsetFromUTC               Tag = 0x00080201
	StudyDescription                    Tag = 0x00081030
	SeriesDescription                   Tag = 0x0008103E
	RetrieveURL                         Tag = 0x00081190
	PatientName                         Tag = 0x00100010
	PatientID                           Tag = 0x00100020
	IssuerOfPatientID                   Tag = 0x00100021
	TypeOfPatientID                     Tag = 0x00100022
	IssuerOfPatientIDQualifiersSequence Tag = 0x00100024
	PatientBirthDate                    Tag = 0x00100030
	PatientSex                          Tag = 0x00100040
	OtherPatientIDsSequence             Tag = 0x00101002
	StudyInstanceUID                    Tag = 0x0020000D
	SeriesInstanceUID                   Tag = 0x0020000E
	StudyID                             Tag = 0x00200010
	SeriesNumber                        Tag = 0x00200011
	InstanceNumber                      Tag = 0x00200013
	NumberOfStudyRelatedSeries          Tag = 0x00201206
	NumberOfStudyRelatedInstances       Tag = 0x00201208
	NumberOfSeriesRelatedInstances      Tag = 0x00201209
	NumberOfFrames                      Tag = 0x00280008
	Rows                                Tag = 0x00280010
	Columns                             Tag = 0x00280011
	BitsAllocated                       Tag = 0x00280100
	ScheduledProcedureStepID            Tag = 0x00400009
	LocalNamespaceEntityID              Tag = 0x00400031
	UniversalEntityID                   Tag = 0x00400032
	UniversalEntityIDType               Tag = 0x00400033
	IdentifierTypeCode                  Tag = 0x00400035
	AssigningFacilitySequence           Tag = 0x00400036
	PerformedProcedureStepStartDate     Tag = 0x00400244
	PerformedProcedureStepStartTime     Tag = 0x00400245
	RequestAttributesSequence           Tag = 0x00400275
	RequestedProcedureID                Tag = 0x00401001
	PixelData                           Tag = 0x7FE00010
)

var dictionary = []dictEntry{
	{"AffectedSOPClassUID", AffectedSOPClassUID, VRUI},
	{"CommandField", CommandField, VRUS},
	{"MessageID", MessageID, VRUS},
	{"MoveDestination", MoveDestination, VRAE},
	{"Priority", Priority, VRUS},
	{"Status", Status, VRUS},
	{"ErrorComment", ErrorComment, VRLO},
	{"AffectedSOPInstanceUID", AffectedSOPInstanceUID, VRUI},
	{"NumberOfRemainingSuboperations", NumberOfRemainingSuboperations, VRUS},
	{"NumberOfCompletedSuboperations", NumberOfCompletedSuboperations, VRUS},
	{"NumberOfFailedSuboperations", NumberOfFailedSuboperations, VRUS},
	{"NumberOfWarningSuboperations", NumberOfWarningSuboperations, VRUS},
	{"CommandGroupLength", CommandGroupLength, VRUL},
	{"MessageIDBeingRespondedTo", MessageIDBeingRespondedTo, VRUS},
	{"CommandDataSetType", CommandDataSetType, VRUS},
	{"MoveOriginatorApplicationEntityTitle", MoveOriginatorAETitle, VRAE},
	{"MoveOriginatorMessageID", MoveOriginatorMessageID, VRUS},

	{"FileMetaInformationGroupLength", FileMetaInformationGroupLength, VRUL},
	{"FileMetaInformationVersion", FileMetaInformationVersion, VROB},
	{"MediaStorageSOPClassUID", MediaStorageSOPClassUID, VRUI},
	{"MediaStorageSOPInstanceUID", MediaStorageSOPInstanceUID, VRUI},
	{"TransferSyntaxUID", TransferSyntaxUID, VRUI},
	{"ImplementationClassUID", ImplementationClassUID, VRUI},
	{"ImplementationVersionName", ImplementationVersionName, VRSH},
	{"SourceApplicationEntityTitle", SourceApplicationEntityTitle, VRAE},

	{"SpecificCharacterSet", SpecificCharacterSet, VRCS},
	{"SOPClassUID", SOPClassUID, VRUI},
	{"SOPInstanceUID", SOPInstanceUID, VRUI},
	{"StudyDate", StudyDate, VRDA},
	{"SeriesDate", SeriesDate, VRDA},
	{"StudyTime", StudyTime, VRTM},
	{"SeriesTime", SeriesTime, VRTM},
	{"AccessionNumber", AccessionNumber, VRSH},
	{"QueryRetrieveLevel", QueryRetrieveLevel, VRCS},
	{"RetrieveAETitle", RetrieveAETitle, VRAE},
	{"InstanceAvailability", InstanceAvailability, VRCS},
	{"Modality", Modality, VRCS},
	{"ModalitiesInStudy", ModalitiesInStudy, VRCS},
	{"ReferringPhysicianName", ReferringPhysicianName, VRPN},
	{"TimezoneOffsetFromUTC", TimezoneOffsetFromUTC, VRSH},
	{"StudyDescription", StudyDescription, VRLO},
	{"SeriesDescription", SeriesDescription, VRLO},
	{"RetrieveURL", RetrieveURL, VRUR},
	{"PatientName", PatientName, VRPN},
	{"PatientID", PatientID, VRLO},
	{"IssuerOfPatientID", IssuerOfPatientID, VRLO},
	{"TypeOfPatientID", TypeOfPatientID, VRCS},
	{"IssuerOfPatientIDQualifiersSequence", IssuerOfPatientIDQualifiersSequence, VRSQ},
	{"PatientBirthDate", PatientBirthDate, VRDA},
	{"PatientSex", PatientSex, VRCS},
	{"OtherPatientIDsSequence", OtherPatientIDsSequence, VRSQ},
	{"StudyInstanceUID", StudyInstanceUID, VRUI},
	{"SeriesInstanceUID", SeriesInstanceUID, VRUI},
	{"StudyID", StudyID, VRSH},
	{"SeriesNumber", SeriesNumber, VRIS},
	{"InstanceNumber", InstanceNumber, VRIS},
	{"NumberOfStudyRelatedSeries", NumberOfStudyRelatedSeries, VRIS},
	{"NumberOfStudyRelatedInstances", NumberOfStudyRelatedInstances, VRIS},
	{"NumberOfSeriesRelatedInstances", NumberOfSeriesRelatedInstances, VRIS},
	{"NumberOfFrames", NumberOfFrames, VRIS},
	{"Rows", Rows, VRUS},
	{"Columns", Columns, VRUS},
	{"BitsAllocated", BitsAllocated, VRUS},
	{"ScheduledProcedureStepID", ScheduledProcedureStepID, VRSH},
	{"LocalNamespaceEntityID", LocalNamespaceEntityID, VRUT},
	{"UniversalEntityID", UniversalEntityID, VRUT},
	{"UniversalEntityIDType", UniversalEntityIDType, VRCS},
	{"IdentifierTypeCode", IdentifierTypeCode, VRCS},
	{"AssigningFacilitySequence", AssigningFacilitySequence, VRSQ},
	{"PerformedProcedureStepStartDate", PerformedProcedureStepStartDate, VRDA},
	{"PerformedProcedureStepStartTime", PerformedProcedureStepStartTime, VRTM},
	{"RequestAttributesSequence", RequestAttributesSequence, VRSQ},
	{"RequestedProcedureID", RequestedProcedureID, VRSH},
	{"PixelData", PixelData, VROW},
}

var (
	byKeyword = make(map[string]dictEntry, len(dictionary))
	byTag     = make(map[Tag]dictEntry, len(dictionary))
)

func init() {
	for _, e := range dictionary {
		byKeyword[e.keyword] = e
		byTag[e.tag] = e
	}
}

// TagForKeyword 返回关键字对应的 tag。
func TagForKeyword(keyword string) (Tag, bool) {
	if e, ok := byKeyword[keyword]; ok {
		return e.tag, true
	}
	info, err := dicomtag.FindByKeyword(keyword)
	if err != nil {
		return 0, false
	}
	return NewTag(info.Tag.Group, info.Tag.Element), true
}

// KeywordOf 返回 tag 的关键字，字典中不存在时返回空串。
func KeywordOf(tag Tag) string {
	if e, ok := byTag[tag]; ok {
		return e.keyword
	}
	if info, ok := lookupStandard(tag); ok {
		return info.Keyword
	}
	return ""
}

// VROf 返回 tag 的 VR；group length 统一为 UL，其余未知 tag 为 UN。
func VROf(tag Tag) VR {
	if e, ok := byTag[tag]; ok {
		return e.vr
	}
	if tag.Element() == 0 {
		return VRUL
	}
	if info, ok := lookupStandard(tag); ok && len(info.VRs) > 0 {
		return standardVR(tag, info.VRs[0])
	}
	return VRUN
}

func lookupStandard(tag Tag) (dicomtag.Info, bool) {
	info, err := dicomtag.Find(dicomtag.Tag{Group: tag.Group(), Element: tag.Element()})
	if err != nil {
		return dicomtag.Info{}, false
	}
	return info, true
}

// standardVR 把字典里的多选 VR（"US or SS"、"OB or OW" 等）收敛为一个。
// 像素数据在隐式编码中按 OW 处理。
func standardVR(tag Tag, raw string) VR {
	if tag == PixelData {
		return VROW
	}
	raw = strings.ToUpper(strings.TrimSpace(raw))
	switch raw {
	case "OX", "OB OR OW":
		return VROW
	case "XS", "US OR SS", "US OR SS OR OW":
		return VRUS
	}
	if len(raw) < 2 {
		return VRUN
	}
	return VR(raw[:2])
}
