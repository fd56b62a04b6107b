package imaging

import (
	"fmt"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"imaging-edge-proxy/receiver/internal/models"
)

// piiTags are cleared outright during anonymization. PatientSex and the
// study descriptions stay for clinical context.
var piiTags = []tag.Tag{
	tag.PatientBirthDate,
	tag.PatientAge,
	tag.PatientAddress,
	tag.PatientTelephoneNumbers,
	tag.OtherPatientIDs,
	tag.PatientBirthTime,
	tag.PatientMotherBirthName,
	tag.EthnicGroup,
	tag.PatientComments,
	tag.InstitutionAddress,
	tag.InstitutionalDepartmentName,
	tag.StationName,
	tag.ReferringPhysicianName,
	tag.ReferringPhysicianAddress,
	tag.ReferringPhysicianTelephoneNumbers,
	tag.PerformingPhysicianName,
	tag.OperatorsName,
	tag.PhysiciansOfRecord,
	tag.NameOfPhysiciansReadingStudy,
	tag.RequestingPhysician,
	tag.AccessionNumber,
}

// dateTags keep year and month but lose the day.
var dateTags = []tag.Tag{
	tag.StudyDate,
	tag.SeriesDate,
	tag.AcquisitionDate,
	tag.ContentDate,
	tag.InstanceCreationDate,
}

// ReadPatientIdentity extracts the PHI tuple from a DICOM file without
// loading pixel data.
func ReadPatientIdentity(path string) (string, string, error) {
	ds, err := parseFile(path, true)
	if err != nil {
		return "", "", err
	}
	return getString(ds, tag.PatientName), getString(ds, tag.PatientID), nil
}

// RewriteFile replaces patient identifiers with the anonymized id,
// clears PII tags, and truncates dates in place.
func RewriteFile(path string, anonID string) error {
	ds, err := parseFile(path, false)
	if err != nil {
		return err
	}

	setString(&ds, tag.PatientName, anonID)
	setString(&ds, tag.PatientID, anonID)
	for _, t := range piiTags {
		setString(&ds, t, "")
	}
	for _, t := range dateTags {
		truncateDate(&ds, t)
	}

	return writeFile(path, ds)
}

// RewriteIdentity restores the original patient fields on a file that
// carries an anonymized identity.
func RewriteIdentity(path string, identity models.PatientIdentity) error {
	ds, err := parseFile(path, false)
	if err != nil {
		return err
	}
	setString(&ds, tag.PatientName, identity.PatientName)
	setString(&ds, tag.PatientID, identity.PatientID)
	return writeFile(path, ds)
}

func parseFile(path string, metadataOnly bool) (dicom.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return dicom.Dataset{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return dicom.Dataset{}, err
	}

	var opts []dicom.ParseOption
	if metadataOnly {
		opts = append(opts, dicom.SkipPixelData())
	}
	ds, err := dicom.Parse(f, info.Size(), nil, opts...)
	if err != nil {
		return dicom.Dataset{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return ds, nil
}

func writeFile(path string, ds dicom.Dataset) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	// Relaxed verification, real-world files often bend VR rules.
	return dicom.Write(out, ds,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	)
}

func getString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func setString(ds *dicom.Dataset, t tag.Tag, value string) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return
	}
	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return
	}
	replacement := &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    elem.ValueRepresentation,
		RawValueRepresentation: elem.RawValueRepresentation,
		ValueLength:            uint32(len(value)),
		Value:                  newValue,
	}
	for i, e := range ds.Elements {
		if e.Tag == t {
			ds.Elements[i] = replacement
			return
		}
	}
}

func truncateDate(ds *dicom.Dataset, t tag.Tag) {
	value := getString(*ds, t)
	switch {
	case len(value) >= 6:
		setString(ds, t, value[:6]+"01")
	case value != "":
		setString(ds, t, "")
	}
}
