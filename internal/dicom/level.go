package dicom

import "github.com/otcheredev/dicom-archive/internal/errs"

// Level identifies one floor of the patient/study/series/instance hierarchy.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "Patient"
	case LevelStudy:
		return "Study"
	case LevelSeries:
		return "Series"
	case LevelInstance:
		return "Instance"
	default:
		return "Unknown"
	}
}

// Parent returns the level one floor up. Patients have no parent.
func (l Level) Parent() (Level, bool) {
	if l == LevelPatient {
		return LevelPatient, false
	}
	return l - 1, true
}

// ParseLevel resolves a level from its textual form (case-sensitive: the
// singular forms used in change records and the plural forms used in REST
// paths).
func ParseLevel(s string) (Level, error) {
	switch s {
	case "Patient", "patients":
		return LevelPatient, nil
	case "Study", "studies":
		return LevelStudy, nil
	case "Series", "series":
		return LevelSeries, nil
	case "Instance", "instances":
		return LevelInstance, nil
	}
	return 0, errs.Newf(errs.BadRequest, "unknown resource level %q", s)
}
